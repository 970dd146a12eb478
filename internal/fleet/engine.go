package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the time source. Tests use it to control staleness
// and redelivery deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets where committed events are sent.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Engine is the fleet coordination core every transport adapter calls into.
//
// State changes are applied under the device lock. The resulting events are
// published after the lock is released, so a slow observer never holds up
// other requests for the same device.
type Engine struct {
	cfg       config.FleetConfig
	registry  *Registry
	publisher Publisher
	recorder  Recorder
	logger    Logger
	now       func() time.Time
}

// NewEngine creates an engine. Zero values in cfg fall back to the defaults,
// except MaxRedeliveries: zero there means a command expires the first time
// its delivery times out.
func NewEngine(cfg config.FleetConfig, opts ...Option) *Engine {
	cfg = withDefaults(cfg)

	e := &Engine{
		cfg:       cfg,
		publisher: noopPublisher{},
		recorder:  noopRecorder{},
		logger:    noopLogger{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.registry = NewRegistry(Limits{
		QueueCapacity:   cfg.QueueCapacity,
		HistoryCapacity: cfg.HistoryCapacity,
	})
	e.registry.now = e.now
	return e
}

func withDefaults(cfg config.FleetConfig) config.FleetConfig {
	def := config.Default().Fleet
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = def.ReaperInterval
	}
	if cfg.RedeliveryTimeout <= 0 {
		cfg.RedeliveryTimeout = def.RedeliveryTimeout
	}
	if cfg.MaxRedeliveries < 0 {
		cfg.MaxRedeliveries = 0
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = def.MaxAttachmentBytes
	}
	if cfg.MaxTelemetryBytes <= 0 {
		cfg.MaxTelemetryBytes = def.MaxTelemetryBytes
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = def.PollBatchSize
	}
	if cfg.PollHint <= 0 {
		cfg.PollHint = def.PollHint
	}
	return cfg
}

// Registry exposes the underlying device registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Config returns the effective fleet settings.
func (e *Engine) Config() config.FleetConfig {
	return e.cfg
}

func (e *Engine) publish(evt Event, exclude string) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	e.recorder.EventPublished(evt.Kind)
	e.publisher.Publish(evt, exclude)
}

func (e *Engine) reject(op string, err error) error {
	e.recorder.RequestRejected(op, err)
	return err
}

func (e *Engine) publishConnected(dev Device) {
	d := dev
	e.publish(Event{Kind: EventDeviceConnected, DeviceID: dev.ID, Device: &d}, "")
}

// Register creates or refreshes a device. Re-registering an existing id
// merges its metadata and never fails.
func (e *Engine) Register(ctx context.Context, origin Origin, req RegisterRequest) (RegisterResult, error) {
	if err := ctx.Err(); err != nil {
		return RegisterResult{}, err
	}
	if req.DeviceID == "" {
		return RegisterResult{}, e.reject("register", fmt.Errorf("%w: device id is required", ErrInvalidRequest))
	}

	ent, created := e.registry.upsert(req.DeviceID, e.now())
	reconnected := !created && ent.device.Status == StatusDisconnected
	applyRegistration(&ent.device, req)
	touchDevice(&ent.device, origin, e.now())
	dev := ent.snapshot()
	ent.mu.Unlock()

	if created || reconnected {
		e.logger.Info("device registered", "device_id", dev.ID, "transport", origin.Transport, "created", created)
		e.publishConnected(dev)
	}

	return RegisterResult{
		Device:       dev,
		Created:      created,
		PollInterval: e.cfg.PollHint,
	}, nil
}

// Poll refreshes the device and delivers its next batch of commands.
// Unknown devices are registered on the fly when the policy allows it.
func (e *Engine) Poll(ctx context.Context, origin Origin, req PollRequest) (PollResult, error) {
	if err := ctx.Err(); err != nil {
		return PollResult{}, err
	}
	if req.DeviceID == "" {
		return PollResult{}, e.reject("poll", fmt.Errorf("%w: device id is required", ErrInvalidRequest))
	}

	max := req.Max
	if max <= 0 || max > e.cfg.PollBatchSize {
		max = e.cfg.PollBatchSize
	}

	ent, created, err := e.acquire(req.DeviceID, e.cfg.Registration.AutoRegisterOnPoll)
	if err != nil {
		return PollResult{}, e.reject("poll", err)
	}
	now := e.now()
	reconnected := !created && ent.device.Status == StatusDisconnected
	applyTouch(&ent.device, TouchInfo{State: req.State, BatteryPercent: req.BatteryPercent})
	touchDevice(&ent.device, origin, now)
	cmds := ent.queue.dequeueBatch(max, now)
	dev := ent.snapshot()
	ent.mu.Unlock()

	if created {
		e.logger.Info("device auto-registered on poll", "device_id", dev.ID, "transport", origin.Transport)
	}
	if created || reconnected {
		e.publishConnected(dev)
	}
	if len(cmds) > 0 {
		e.recorder.CommandsDelivered(len(cmds))
		e.logger.Debug("commands delivered", "device_id", dev.ID, "count", len(cmds))
	}

	return PollResult{Device: dev, Commands: cmds, Registered: created}, nil
}

// acquire returns the locked entry for id, creating it when create is set.
func (e *Engine) acquire(id string, create bool) (*entry, bool, error) {
	if create {
		ent, created := e.registry.upsert(id, e.now())
		return ent, created, nil
	}
	ent := e.registry.lookup(id)
	if ent == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return ent, false, nil
}

// Acknowledge confirms execution of a delivered command. Unknown and
// repeated acknowledgements return false without error.
func (e *Engine) Acknowledge(ctx context.Context, origin Origin, req AckRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if req.DeviceID == "" || req.CommandID == "" {
		return false, e.reject("ack", fmt.Errorf("%w: device id and command id are required", ErrInvalidRequest))
	}

	ent, _, err := e.acquire(req.DeviceID, false)
	if err != nil {
		return false, e.reject("ack", err)
	}
	reconnected := ent.device.Status == StatusDisconnected
	touchDevice(&ent.device, origin, e.now())
	cmd, ok := ent.queue.acknowledge(req.CommandID, req.Result)
	dev := ent.snapshot()
	ent.mu.Unlock()

	if reconnected {
		e.publishConnected(dev)
	}
	if !ok {
		e.logger.Debug("ack ignored", "device_id", req.DeviceID, "command_id", req.CommandID)
		return false, nil
	}

	e.publish(Event{Kind: EventCommandAcknowledged, DeviceID: req.DeviceID, Command: &cmd}, "")
	return true, nil
}

// RecordTelemetry stores a sample and fans it out to observers.
func (e *Engine) RecordTelemetry(ctx context.Context, origin Origin, req TelemetryRequest) (TelemetrySample, error) {
	if err := ctx.Err(); err != nil {
		return TelemetrySample{}, err
	}
	if req.DeviceID == "" {
		return TelemetrySample{}, e.reject("telemetry", fmt.Errorf("%w: device id is required", ErrInvalidRequest))
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return TelemetrySample{}, e.reject("telemetry", fmt.Errorf("%w: telemetry payload must be a JSON value", ErrInvalidRequest))
	}
	if len(req.Payload) > e.cfg.MaxTelemetryBytes {
		return TelemetrySample{}, e.reject("telemetry", fmt.Errorf("%w: telemetry is %d bytes, limit %d",
			ErrPayloadTooLarge, len(req.Payload), e.cfg.MaxTelemetryBytes))
	}

	ent, created, err := e.acquire(req.DeviceID, e.cfg.Registration.AutoRegisterOnTelemetry)
	if err != nil {
		return TelemetrySample{}, e.reject("telemetry", err)
	}
	now := e.now()
	reconnected := !created && ent.device.Status == StatusDisconnected
	applyTouch(&ent.device, TouchInfo{BatteryPercent: req.BatteryPercent})
	touchDevice(&ent.device, origin, now)
	sample := ent.ring.push(req.DeviceID, req.Payload, now)
	dev := ent.snapshot()
	ent.mu.Unlock()

	if created || reconnected {
		e.publishConnected(dev)
	}
	s := sample
	e.publish(Event{Kind: EventTelemetry, DeviceID: req.DeviceID, Telemetry: &s}, "")
	return sample, nil
}

// SendCommand queues a command for one device, or for every registered
// device when req.DeviceID is AllDevices.
//
// A single-device send returns the failure as an error. A fleet-wide send
// reports failures per device and only errors on an invalid request.
func (e *Engine) SendCommand(ctx context.Context, origin Origin, req SendCommandRequest) ([]SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, e.reject("send_command", fmt.Errorf("%w: device id is required", ErrInvalidRequest))
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return nil, e.reject("send_command", fmt.Errorf("%w: command payload must be a JSON value", ErrInvalidRequest))
	}

	if req.DeviceID != AllDevices {
		res := e.enqueue(origin, req.DeviceID, req)
		if res.Err != nil {
			return nil, res.Err
		}
		return []SendResult{res}, nil
	}

	ids := e.registry.IDs()
	results := make([]SendResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, e.enqueue(origin, id, req))
	}
	return results, nil
}

func (e *Engine) enqueue(origin Origin, id string, req SendCommandRequest) SendResult {
	cmd, position, err := e.registry.Enqueue(id, req.Payload, req.Priority)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			e.logger.Warn("command queue full", "device_id", id)
		}
		return SendResult{DeviceID: id, Err: e.reject("send_command", err)}
	}

	c := cmd
	e.publish(Event{Kind: EventCommandSent, DeviceID: id, Command: &c}, origin.Subscriber)
	return SendResult{DeviceID: id, Command: &cmd, Position: position}
}

// Devices returns snapshots of every device with pending counts.
func (e *Engine) Devices(ctx context.Context) []Device {
	return e.registry.List()
}

// Device returns a snapshot of one device.
func (e *Engine) Device(ctx context.Context, id string) (Device, error) {
	return e.registry.Get(id)
}

// History returns up to limit of the device's newest telemetry samples.
func (e *Engine) History(ctx context.Context, id string, limit int) ([]TelemetrySample, error) {
	return e.registry.History(id, limit)
}

// PendingCommands lists the device's queued and delivered commands.
func (e *Engine) PendingCommands(ctx context.Context, id string) ([]Command, error) {
	return e.registry.Pending(id)
}

// Stats summarises the fleet.
func (e *Engine) Stats(ctx context.Context) Stats {
	return e.registry.Stats()
}

// SetAttachment replaces the device attachment with the contents of r.
// Content beyond the configured cap is rejected and the previous
// attachment is kept.
func (e *Engine) SetAttachment(ctx context.Context, origin Origin, id, contentType string, r io.Reader) (AttachmentInfo, error) {
	if err := ctx.Err(); err != nil {
		return AttachmentInfo{}, err
	}
	if id == "" {
		return AttachmentInfo{}, e.reject("attachment", fmt.Errorf("%w: device id is required", ErrInvalidRequest))
	}
	if _, err := e.registry.Get(id); err != nil {
		return AttachmentInfo{}, e.reject("attachment", err)
	}

	max := e.cfg.MaxAttachmentBytes
	buf := NewAttachmentBuffer(max)
	if _, err := io.Copy(buf, io.LimitReader(r, int64(max)+1)); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return AttachmentInfo{}, e.reject("attachment", err)
		}
		return AttachmentInfo{}, fmt.Errorf("reading attachment: %w", err)
	}

	info, err := e.registry.SetAttachment(id, contentType, buf)
	if err != nil {
		return AttachmentInfo{}, e.reject("attachment", err)
	}
	dev, reconnected, err := e.registry.Touch(id, origin, TouchInfo{})
	if err != nil {
		return AttachmentInfo{}, e.reject("attachment", err)
	}
	if reconnected {
		e.publishConnected(dev)
	}
	e.logger.Debug("attachment stored", "device_id", id, "size", info.Size)
	return info, nil
}

// Attachment returns the device attachment bytes.
func (e *Engine) Attachment(ctx context.Context, id string) ([]byte, AttachmentInfo, error) {
	return e.registry.Attachment(id)
}

// Disconnected records that the transport bound to a device went away.
// The device stays registered; only the reaper removes it.
func (e *Engine) Disconnected(ctx context.Context, origin Origin, id string) {
	if id == "" {
		return
	}
	if _, changed, err := e.registry.MarkDisconnected(id); err == nil && changed {
		e.logger.Debug("device transport closed", "device_id", id, "transport", origin.Transport)
	}
}
