package fleet

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the fleet package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const shardCount = 64

// Limits are the per-device resource caps applied by the registry.
type Limits struct {
	QueueCapacity   int
	HistoryCapacity int
}

// entry is everything the relay holds for one device. The queue, ring and
// attachment live and die with the device; all of them are guarded by mu.
type entry struct {
	mu         sync.Mutex
	device     Device
	queue      *commandQueue
	ring       *telemetryRing
	attachment *attachment
	removed    bool
}

// snapshot returns a deep copy of the device with its counters filled in.
// Callers hold e.mu.
func (e *entry) snapshot() Device {
	d := e.device.DeepCopy()
	d.PendingCommands = e.queue.len()
	d.TelemetryCount = e.ring.len()
	if e.attachment != nil {
		info := e.attachment.info
		d.Attachment = &info
	}
	return *d
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry is the authoritative set of known devices.
//
// Devices are spread over a fixed number of shards. A shard lock is held only
// to look up, insert or delete an entry; every read or write of device state
// happens under that device's own lock, so unrelated devices never contend.
// Lock order is shard before entry.
//
// All public methods are thread-safe.
type Registry struct {
	shards [shardCount]shard
	limits Limits
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(limits Limits) *Registry {
	if limits.QueueCapacity <= 0 {
		limits.QueueCapacity = 100
	}
	if limits.HistoryCapacity <= 0 {
		limits.HistoryCapacity = 100
	}

	r := &Registry{
		limits: limits,
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id)) //nolint:errcheck // hash writes never fail
	return &r.shards[h.Sum32()%shardCount]
}

// lookup returns the live entry for id with its lock held, or nil.
// The caller must unlock the returned entry.
func (r *Registry) lookup(id string) *entry {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	return e
}

// withDevice runs fn under the lock of an existing device.
func (r *Registry) withDevice(id string, fn func(e *entry) error) error {
	e := r.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	defer e.mu.Unlock()
	return fn(e)
}

// upsert returns the entry for id with its lock held, creating it when absent.
// The caller must unlock the returned entry.
func (r *Registry) upsert(id string, now time.Time) (*entry, bool) {
	s := r.shardFor(id)
	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok {
			e = &entry{
				device: Device{
					ID:           id,
					Status:       StatusConnected,
					RegisteredAt: now,
					LastSeenAt:   now,
				},
				queue: newCommandQueue(r.limits.QueueCapacity),
				ring:  newTelemetryRing(r.limits.HistoryCapacity),
			}
			e.mu.Lock()
			s.entries[id] = e
			s.mu.Unlock()
			return e, true
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e, false
		}
		// Removed between the map read and the lock; the map no longer holds it.
		e.mu.Unlock()
	}
}

// applyRegistration merges reported metadata into d.
func applyRegistration(d *Device, req RegisterRequest) {
	if req.Firmware != "" {
		d.Firmware = req.Firmware
	}
	if req.Capabilities != nil {
		d.Capabilities = append([]string(nil), req.Capabilities...)
	}
	if len(req.Metadata) > 0 {
		if d.Metadata == nil {
			d.Metadata = make(map[string]any, len(req.Metadata))
		}
		for k, v := range deepCopyMap(req.Metadata) {
			d.Metadata[k] = v
		}
	}
	if req.BatteryPercent != nil {
		b := *req.BatteryPercent
		d.BatteryPercent = &b
	}
}

// touchDevice records activity from origin.
func touchDevice(d *Device, origin Origin, now time.Time) {
	d.LastSeenAt = now
	d.Status = StatusConnected
	if origin.RemoteAddr != "" {
		d.Address = origin.RemoteAddr
	}
	if origin.Transport != "" {
		d.Transport = origin.Transport
	}
}

// TouchInfo carries the optional fields a device reports while polling.
type TouchInfo struct {
	State          string
	BatteryPercent *float64
}

// Touch refreshes LastSeenAt of an existing device. It reports whether the
// device was previously disconnected.
func (r *Registry) Touch(id string, origin Origin, info TouchInfo) (Device, bool, error) {
	var (
		snap        Device
		reconnected bool
	)
	err := r.withDevice(id, func(e *entry) error {
		reconnected = e.device.Status == StatusDisconnected
		applyTouch(&e.device, info)
		touchDevice(&e.device, origin, r.now())
		snap = e.snapshot()
		return nil
	})
	return snap, reconnected, err
}

func applyTouch(d *Device, info TouchInfo) {
	if info.State != "" {
		d.State = info.State
	}
	if info.BatteryPercent != nil {
		b := *info.BatteryPercent
		d.BatteryPercent = &b
	}
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (Device, error) {
	var snap Device
	err := r.withDevice(id, func(e *entry) error {
		snap = e.snapshot()
		return nil
	})
	return snap, err
}

// entries returns the live entries without holding any lock afterwards.
func (r *Registry) entries() []*entry {
	var out []*entry
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}

// List returns snapshots of every device, sorted by id.
func (r *Registry) List() []Device {
	all := r.entries()
	devices := make([]Device, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		if !e.removed {
			devices = append(devices, e.snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// IDs returns the ids of every device, sorted.
func (r *Registry) IDs() []string {
	var ids []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats summarises device liveness and pending work.
func (r *Registry) Stats() Stats {
	var st Stats
	for _, e := range r.entries() {
		e.mu.Lock()
		if !e.removed {
			st.Devices++
			if e.device.Status == StatusConnected {
				st.Connected++
			} else {
				st.Disconnected++
			}
			st.PendingCommands += e.queue.len()
		}
		e.mu.Unlock()
	}
	return st
}

// RemoveIfStale removes the device only if it has not been seen since cutoff.
// The check and the removal happen under the device lock.
func (r *Registry) RemoveIfStale(id string, cutoff time.Time) (Device, bool) {
	return r.remove(id, func(e *entry) bool { return e.device.LastSeenAt.Before(cutoff) })
}

func (r *Registry) remove(id string, cond func(e *entry) bool) (Device, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Device{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !cond(e) {
		return Device{}, false
	}

	snap := e.snapshot()
	e.removed = true
	e.queue = newCommandQueue(0)
	e.ring = newTelemetryRing(1)
	e.attachment = nil
	delete(s.entries, id)
	return snap, true
}

// MarkDisconnected flags the device as disconnected without removing it.
// It reports whether the status changed.
func (r *Registry) MarkDisconnected(id string) (Device, bool, error) {
	var (
		snap    Device
		changed bool
	)
	err := r.withDevice(id, func(e *entry) error {
		changed = e.device.Status != StatusDisconnected
		e.device.Status = StatusDisconnected
		snap = e.snapshot()
		return nil
	})
	return snap, changed, err
}

// Enqueue appends a command to the device's queue.
func (r *Registry) Enqueue(id string, payload []byte, priority int) (Command, int, error) {
	var (
		cmd      Command
		position int
	)
	err := r.withDevice(id, func(e *entry) error {
		var err error
		cmd, position, err = e.queue.enqueue(id, payload, priority, r.now())
		return err
	})
	return cmd, position, err
}

// Pending returns the device's pending commands in dequeue order.
func (r *Registry) Pending(id string) ([]Command, error) {
	var cmds []Command
	err := r.withDevice(id, func(e *entry) error {
		cmds = e.queue.snapshot()
		return nil
	})
	return cmds, err
}

// Redeliver requeues timed-out deliveries on every device and drops
// those past maxRedeliveries.
func (r *Registry) Redeliver(now time.Time, timeout time.Duration, maxRedeliveries int) (requeued, expired []Command) {
	for _, e := range r.entries() {
		e.mu.Lock()
		if !e.removed {
			rq, ex := e.queue.redeliver(now, timeout, maxRedeliveries)
			requeued = append(requeued, rq...)
			expired = append(expired, ex...)
		}
		e.mu.Unlock()
	}
	return requeued, expired
}

// History returns up to limit of the newest samples, newest last.
func (r *Registry) History(id string, limit int) ([]TelemetrySample, error) {
	var samples []TelemetrySample
	err := r.withDevice(id, func(e *entry) error {
		samples = e.ring.last(limit)
		return nil
	})
	return samples, err
}

// SetAttachment replaces the device's attachment with the buffer contents.
func (r *Registry) SetAttachment(id, contentType string, buf *AttachmentBuffer) (AttachmentInfo, error) {
	var info AttachmentInfo
	err := r.withDevice(id, func(e *entry) error {
		att, err := buf.seal(contentType, r.now())
		if err != nil {
			return err
		}
		e.attachment = att
		info = att.info
		return nil
	})
	return info, err
}

// Attachment returns a copy of the device's attachment bytes.
func (r *Registry) Attachment(id string) ([]byte, AttachmentInfo, error) {
	var (
		data []byte
		info AttachmentInfo
	)
	err := r.withDevice(id, func(e *entry) error {
		if e.attachment == nil {
			return fmt.Errorf("%w: %s", ErrAttachmentNotFound, id)
		}
		data = append([]byte(nil), e.attachment.data...)
		info = e.attachment.info
		return nil
	})
	return data, info, err
}
