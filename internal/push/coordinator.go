package push

import (
	"context"
	"log"
	"sync"
	"time"

	"bydlink/internal/state"
	"bydlink/internal/vehicle"
)

// Config holds coordinator settings.
type Config struct {
	// QueueSize bounds the hand-off queue between the transport's delivery
	// goroutine and the dispatch goroutine. Deliveries beyond it are
	// dropped with a log line rather than blocking the transport.
	QueueSize int

	// RecencyWindow bounds how long an issued command stays eligible for
	// serial-less correlation.
	RecencyWindow time.Duration
}

// DefaultConfig returns coordinator settings matched to how quickly the
// vendor's cloud turns commands around.
func DefaultConfig() Config {
	return Config{
		QueueSize:     64,
		RecencyWindow: 90 * time.Second,
	}
}

// resultWaiter is the shared resolution for all callers awaiting one
// serial. The first caller registers it; resolution closes ch exactly once.
type resultWaiter struct {
	ch     chan struct{}
	result *vehicle.CommandResult
	refs   int
}

// recentCommand records the most recently issued command per VIN, the
// best-effort fallback when a result message carries no serial. The remote
// system serializes commands per vehicle, so "most recent" is usually
// right; it is still only a heuristic and entries are used once.
type recentCommand struct {
	serial  string
	command string
	seenAt  time.Time
}

// Coordinator owns the push subscription and translates its messages into
// store events and waiter resolutions. Message handling is serialized on a
// single dispatch goroutine; the transport callback only enqueues.
type Coordinator struct {
	cfg   Config
	store *state.Store
	sub   Subscription

	mu               sync.Mutex
	running          bool
	cancel           context.CancelFunc
	done             chan struct{}
	telemetryVersion map[string]uint64
	telemetryWaiters map[string][]chan struct{}
	resultWaiters    map[string]*resultWaiter
	recent           map[string]recentCommand
	nowFunc          func() time.Time
}

// NewCoordinator creates a stopped coordinator over the given subscription.
func NewCoordinator(cfg Config, store *state.Store, sub Subscription) *Coordinator {
	return &Coordinator{
		cfg:              cfg,
		store:            store,
		sub:              sub,
		telemetryVersion: make(map[string]uint64),
		telemetryWaiters: make(map[string][]chan struct{}),
		resultWaiters:    make(map[string]*resultWaiter),
		recent:           make(map[string]recentCommand),
		nowFunc:          func() time.Time { return time.Now().UTC() },
	}
}

// EnsureStarted starts the subscription and dispatch loop. Starting while
// already running tears down the previous connection first, so duplicate
// subscriptions cannot leak.
func (c *Coordinator) EnsureStarted(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		c.Stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	queue := make(chan Message, c.cfg.QueueSize)

	deliver := func(msg Message) {
		select {
		case queue <- msg:
		default:
			log.Printf("push: queue full, dropping message on %s", msg.Topic)
		}
	}

	if err := c.sub.Start(runCtx, deliver); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.dispatch(runCtx, queue, done)
	return nil
}

// Stop tears down the subscription and waits for the dispatch goroutine to
// exit. Safe to call when not running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	if err := c.sub.Stop(); err != nil {
		log.Printf("push: stop subscription: %v", err)
	}
	<-done
}

func (c *Coordinator) dispatch(ctx context.Context, queue <-chan Message, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case msg := <-queue:
			c.handle(msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle routes one message through the ordered kind handlers. Unrecognized
// kinds are ignored; the feed carries plenty of traffic that is not ours.
func (c *Coordinator) handle(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case isTelemetry(msg):
		c.handleTelemetry(msg)
	case isCommandResult(msg):
		c.handleCommandResult(msg)
	}
}

// RegisterCommand records an issued command for serial-less correlation.
// Called by the orchestrator right after issue succeeds.
func (c *Coordinator) RegisterCommand(vin, serial, command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent[vin] = recentCommand{
		serial:  serial,
		command: command,
		seenAt:  c.nowFunc(),
	}
}

// WaitForFreshTelemetry blocks until a push telemetry update for the VIN
// arrives or the timeout elapses, reporting whether one arrived. Returns
// false immediately when the subscription is not running; there is no point
// suspending on a channel known to be dead.
func (c *Coordinator) WaitForFreshTelemetry(vin string, timeout time.Duration) bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	ch := make(chan struct{})
	c.telemetryWaiters[vin] = append(c.telemetryWaiters[vin], ch)
	c.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
	}

	// Timed out: unregister so the slice cannot grow unboundedly.
	c.mu.Lock()
	waiters := c.telemetryWaiters[vin]
	for i, w := range waiters {
		if w == ch {
			c.telemetryWaiters[vin] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return false
}

// WaitForCommandResult blocks until a push message correlates to serial or
// the timeout elapses. Multiple callers for one serial share the underlying
// resolution. Returns nil on timeout.
func (c *Coordinator) WaitForCommandResult(serial string, timeout time.Duration) *vehicle.CommandResult {
	if serial == "" {
		return nil
	}

	c.mu.Lock()
	w := c.resultWaiters[serial]
	if w == nil {
		w = &resultWaiter{ch: make(chan struct{})}
		c.resultWaiters[serial] = w
	}
	w.refs++
	c.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.ch:
		return w.result
	case <-t.C:
	}

	c.mu.Lock()
	w.refs--
	if w.refs == 0 && w.result == nil {
		delete(c.resultWaiters, serial)
	}
	c.mu.Unlock()
	return nil
}

// handleTelemetry translates a telemetry-shaped message into one event per
// section present, applies them, and wakes freshness waiters. Caller holds
// c.mu.
func (c *Coordinator) handleTelemetry(msg Message) {
	vin := messageVIN(msg)
	if vin == "" {
		return
	}

	applied := 0
	for _, section := range vehicle.Sections {
		if section == vehicle.SectionCommand {
			continue
		}
		raw, ok := msg.Payload[string(section)].(map[string]any)
		if !ok {
			continue
		}
		ts := vehicle.PayloadTimestamp(raw)
		if ts == nil {
			ts = vehicle.PayloadTimestamp(msg.Payload)
		}
		data := vehicle.PruneSentinels(raw)
		if len(data) == 0 {
			continue
		}
		c.store.Apply(vehicle.NewEvent(vin, section, vehicle.SourcePush, data, msg.Payload, ts))
		applied++
	}

	if applied == 0 {
		return
	}

	c.telemetryVersion[vin]++
	for _, ch := range c.telemetryWaiters[vin] {
		close(ch)
	}
	delete(c.telemetryWaiters, vin)
}

// handleCommandResult normalizes a command-result message, records it in
// the store, and correlates it to an in-flight command. Caller holds c.mu.
func (c *Coordinator) handleCommandResult(msg Message) {
	vin := messageVIN(msg)
	res := vehicle.NormalizeResult(msg.Payload)

	if vin != "" {
		data := map[string]any{
			"state":   string(res.State),
			"serial":  res.Serial,
			"message": res.Message,
		}
		ts := vehicle.PayloadTimestamp(msg.Payload)
		c.store.Apply(vehicle.NewEvent(vin, vehicle.SectionCommand, vehicle.SourcePush,
			vehicle.PruneSentinels(data), msg.Payload, ts))
	}

	c.correlate(vin, res, msg.Payload)
}

// correlate matches a result to a waiter. The rules run in strict order;
// the first match wins and the matched correlation state is cleared so it
// cannot resolve twice. Caller holds c.mu.
func (c *Coordinator) correlate(vin string, res vehicle.CommandResult, payload map[string]any) {
	// 1. Explicit serial matching a registered waiter.
	if res.Serial != "" {
		if c.resolve(res.Serial, res) {
			c.clearRecent(vin, res.Serial)
			return
		}
	}

	rec, ok := c.recent[vin]
	if ok && c.nowFunc().Sub(rec.seenAt) > c.cfg.RecencyWindow {
		delete(c.recent, vin)
		ok = false
	}
	if !ok {
		return
	}

	// 2. No serial on the message: the most recently issued command for
	// this vehicle. Commands are serialized per vehicle remotely, so this
	// is usually right; it stays a heuristic, never a guarantee.
	if res.Serial == "" {
		if c.resolve(rec.serial, res) {
			delete(c.recent, vin)
		}
		return
	}

	// 3. Explicit command-type field naming the in-flight command.
	if cmdType := vehicle.ResultCommandType(payload); cmdType != "" && cmdType == rec.command {
		if c.resolve(rec.serial, res) {
			delete(c.recent, vin)
		}
		return
	}

	// 4. Last resort: the message text itself read as a terminal outcome.
	if res.State.Terminal() && res.Message != "" {
		if c.resolve(rec.serial, res) {
			delete(c.recent, vin)
		}
	}
}

// resolve completes the waiter for serial, reporting whether one existed.
// Caller holds c.mu.
func (c *Coordinator) resolve(serial string, res vehicle.CommandResult) bool {
	w := c.resultWaiters[serial]
	if w == nil || w.result != nil {
		return false
	}
	w.result = &res
	close(w.ch)
	delete(c.resultWaiters, serial)
	return true
}

// clearRecent drops the recency entry if it refers to the used serial.
// Caller holds c.mu.
func (c *Coordinator) clearRecent(vin, serial string) {
	if rec, ok := c.recent[vin]; ok && rec.serial == serial {
		delete(c.recent, vin)
	}
}

func messageVIN(msg Message) string {
	if v, ok := msg.Payload["vin"].(string); ok && v != "" {
		return v
	}
	// Feed subjects end in the VIN: byd.vehicle.report.<vin>.
	for i := len(msg.Topic) - 1; i >= 0; i-- {
		if msg.Topic[i] == '.' {
			return msg.Topic[i+1:]
		}
	}
	return ""
}

// isTelemetry recognizes telemetry-shaped messages: an explicit report type
// or at least one section submap in the payload.
func isTelemetry(msg Message) bool {
	if t, ok := msg.Payload["type"].(string); ok && t == "report" {
		return true
	}
	for _, section := range vehicle.Sections {
		if section == vehicle.SectionCommand {
			continue
		}
		if _, ok := msg.Payload[string(section)].(map[string]any); ok {
			return true
		}
	}
	return false
}

// isCommandResult recognizes command-result-shaped messages.
func isCommandResult(msg Message) bool {
	if t, ok := msg.Payload["type"].(string); ok && (t == "controlResult" || t == "control") {
		return true
	}
	for _, key := range []string{"res", "controlState", "serial", "serialNum"} {
		if _, ok := msg.Payload[key]; ok {
			return true
		}
	}
	return false
}
