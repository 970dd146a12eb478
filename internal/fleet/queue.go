package fleet

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// commandQueue holds the pending (queued and delivered) commands of one device.
//
// It is not safe for concurrent use; callers hold the owning entry's lock.
type commandQueue struct {
	commands []*Command // enqueue order
	nextSeq  uint64
	capacity int
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{capacity: capacity}
}

// len returns the number of pending commands.
func (q *commandQueue) len() int {
	return len(q.commands)
}

// enqueue appends a command and returns it with its dequeue position.
// The queue is left untouched when it is already at capacity.
func (q *commandQueue) enqueue(deviceID string, payload json.RawMessage, priority int, now time.Time) (Command, int, error) {
	if len(q.commands) >= q.capacity {
		return Command{}, 0, fmt.Errorf("%w: %d pending for %s", ErrQueueFull, len(q.commands), deviceID)
	}

	q.nextSeq++
	cmd := &Command{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Payload:    append(json.RawMessage(nil), payload...),
		Priority:   priority,
		Status:     CommandQueued,
		EnqueuedAt: now,
		seq:        q.nextSeq,
	}

	// Everything queued with the same or higher priority dequeues first.
	position := 0
	for _, c := range q.commands {
		if c.Status == CommandQueued && c.Priority >= priority {
			position++
		}
	}

	q.commands = append(q.commands, cmd)
	return cmd.clone(), position, nil
}

// ordered returns the queued commands in dequeue order:
// priority descending, then enqueue order.
func (q *commandQueue) ordered() []*Command {
	queued := make([]*Command, 0, len(q.commands))
	for _, c := range q.commands {
		if c.Status == CommandQueued {
			queued = append(queued, c)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].seq < queued[j].seq
	})
	return queued
}

// dequeueBatch marks up to max queued commands as delivered and returns them.
func (q *commandQueue) dequeueBatch(max int, now time.Time) []Command {
	if max <= 0 {
		return nil
	}

	queued := q.ordered()
	if len(queued) > max {
		queued = queued[:max]
	}

	out := make([]Command, 0, len(queued))
	for _, c := range queued {
		delivered := now
		c.Status = CommandDelivered
		c.DeliveredAt = &delivered
		c.Deliveries++
		out = append(out, c.clone())
	}
	return out
}

// acknowledge removes a delivered command from the active set.
//
// A command that timed out and went back to queued is still accepted when it
// was delivered at least once, since the device may have executed it.
func (q *commandQueue) acknowledge(commandID, result string) (Command, bool) {
	for i, c := range q.commands {
		if c.ID != commandID {
			continue
		}
		if c.Status != CommandDelivered && !(c.Status == CommandQueued && c.Deliveries > 0) {
			return Command{}, false
		}
		c.Status = CommandAcknowledged
		c.Result = result
		q.commands = append(q.commands[:i], q.commands[i+1:]...)
		return c.clone(), true
	}
	return Command{}, false
}

// redeliver requeues delivered commands older than timeout. A command that
// has already been redelivered maxRedeliveries times expires instead and is
// dropped.
func (q *commandQueue) redeliver(now time.Time, timeout time.Duration, maxRedeliveries int) (requeued, expired []Command) {
	kept := q.commands[:0]
	for _, c := range q.commands {
		if c.Status != CommandDelivered || c.DeliveredAt == nil || now.Sub(*c.DeliveredAt) <= timeout {
			kept = append(kept, c)
			continue
		}

		if c.Deliveries-1 >= maxRedeliveries {
			c.Status = CommandExpired
			expired = append(expired, c.clone())
			continue
		}

		c.Status = CommandQueued
		c.DeliveredAt = nil
		requeued = append(requeued, c.clone())
		kept = append(kept, c)
	}

	// Clear the tail so dropped commands can be collected.
	for i := len(kept); i < len(q.commands); i++ {
		q.commands[i] = nil
	}
	q.commands = kept
	return requeued, expired
}

// snapshot returns copies of every pending command in dequeue order,
// queued first, then delivered by delivery time.
func (q *commandQueue) snapshot() []Command {
	out := make([]Command, 0, len(q.commands))
	for _, c := range q.ordered() {
		out = append(out, c.clone())
	}

	delivered := make([]*Command, 0, len(q.commands))
	for _, c := range q.commands {
		if c.Status == CommandDelivered {
			delivered = append(delivered, c)
		}
	}
	sort.SliceStable(delivered, func(i, j int) bool {
		return delivered[i].DeliveredAt.Before(*delivered[j].DeliveredAt)
	})
	for _, c := range delivered {
		out = append(out, c.clone())
	}
	return out
}
