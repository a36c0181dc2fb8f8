// Package client is the typed facade over the sync engine: best-effort
// reads backed by the state store and remote commands backed by the
// orchestrator.
package client

import (
	"context"
	"time"

	"bydlink/internal/command"
	"bydlink/internal/poll"
	"bydlink/internal/push"
	"bydlink/internal/state"
	"bydlink/internal/transport"
	"bydlink/internal/vehicle"
)

// Config collects the tunables for one client instance.
type Config struct {
	Store state.Config
	Push  push.Config
	Retry command.RetryConfig

	// Slow-read polling: telemetry and location triggers.
	PollAttempts int
	PollInterval time.Duration

	// PushShortCircuit bounds the wait for a fresher push report before
	// falling back to polling. Zero disables the short circuit.
	PushShortCircuit time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Store:            state.DefaultConfig(),
		Push:             push.DefaultConfig(),
		Retry:            command.DefaultRetryConfig(),
		PollAttempts:     6,
		PollInterval:     5 * time.Second,
		PushShortCircuit: 10 * time.Second,
	}
}

// Client ties the transport, store, coordinator and orchestrator together
// for one account session. All per-vehicle operations are independent and
// may run concurrently.
type Client struct {
	cfg       Config
	transport transport.Client
	store     *state.Store
	coord     *push.Coordinator
	orch      *command.Orchestrator
}

// New builds a client over the given collaborators. The push subscription
// is not started; call Start.
func New(cfg Config, t transport.Client, sub push.Subscription) *Client {
	store := state.New(cfg.Store)
	coord := push.NewCoordinator(cfg.Push, store, sub)
	return &Client{
		cfg:       cfg,
		transport: t,
		store:     store,
		coord:     coord,
		orch:      command.NewOrchestrator(t, store, coord),
	}
}

// Store exposes the state store for direct reads and hooks.
func (c *Client) Store() *state.Store { return c.store }

// Coordinator exposes the push coordinator.
func (c *Client) Coordinator() *push.Coordinator { return c.coord }

// Start brings up the push subscription.
func (c *Client) Start(ctx context.Context) error {
	return c.coord.EnsureStarted(ctx)
}

// Stop tears down the push subscription.
func (c *Client) Stop() {
	c.coord.Stop()
}

// Snapshot returns everything known about the vehicle.
func (c *Client) Snapshot(vin string) map[vehicle.Section]map[string]any {
	return c.store.Snapshot(vin)
}

// Status fetches the vehicle's cached cloud status in one round trip and
// folds it into the store, returning the merged realtime section.
func (c *Client) Status(ctx context.Context, vin string) (map[string]any, error) {
	resp, err := c.transport.Issue(ctx, "vehicle/status", map[string]any{"vin": vin})
	if err != nil {
		return nil, err
	}
	c.applySections(vin, resp)
	return c.store.Section(vin, vehicle.SectionRealtime), nil
}

// Telemetry asks the vehicle itself to report and waits until the answer
// is materially present: a push report short-circuits the poll loop when
// the vehicle is already talking.
func (c *Client) Telemetry(ctx context.Context, vin string) (map[string]any, error) {
	payload, err := poll.UntilReady(ctx, poll.Options{
		Trigger:      c.trigger(vin, "vehicle/telemetry"),
		Poll:         c.pollRead(vin, "vehicle/telemetry/poll"),
		Ready:        telemetryReady,
		Attempts:     c.cfg.PollAttempts,
		Interval:     c.cfg.PollInterval,
		ShortCircuit: c.pushShortCircuit(vin, vehicle.SectionRealtime),
	})
	if err != nil {
		return nil, err
	}
	c.applySections(vin, payload)
	return c.store.Section(vin, vehicle.SectionRealtime), nil
}

// Location asks the vehicle for a fresh GPS fix.
func (c *Client) Location(ctx context.Context, vin string) (map[string]any, error) {
	payload, err := poll.UntilReady(ctx, poll.Options{
		Trigger:      c.trigger(vin, "vehicle/location"),
		Poll:         c.pollRead(vin, "vehicle/location/poll"),
		Ready:        locationReady,
		Attempts:     c.cfg.PollAttempts,
		Interval:     c.cfg.PollInterval,
		ShortCircuit: c.pushShortCircuit(vin, vehicle.SectionLocation),
	})
	if err != nil {
		return nil, err
	}
	c.applySections(vin, payload)
	return c.store.Section(vin, vehicle.SectionLocation), nil
}

// Remote commands.

func (c *Client) Lock(ctx context.Context, vin string) (*vehicle.CommandResult, error) {
	return c.orch.Execute(ctx, vin, vehicle.CmdLock, nil, c.cfg.Retry)
}

func (c *Client) Unlock(ctx context.Context, vin string) (*vehicle.CommandResult, error) {
	return c.orch.Execute(ctx, vin, vehicle.CmdUnlock, nil, c.cfg.Retry)
}

// ClimateOn starts the HVAC at the given cabin target temperature.
func (c *Client) ClimateOn(ctx context.Context, vin string, tempC float64) (*vehicle.CommandResult, error) {
	return c.orch.Execute(ctx, vin, vehicle.CmdClimateOn, map[string]any{"temp": tempC}, c.cfg.Retry)
}

func (c *Client) ClimateOff(ctx context.Context, vin string) (*vehicle.CommandResult, error) {
	return c.orch.Execute(ctx, vin, vehicle.CmdClimateOff, nil, c.cfg.Retry)
}

func (c *Client) ChargeStart(ctx context.Context, vin string) (*vehicle.CommandResult, error) {
	return c.orch.Execute(ctx, vin, vehicle.CmdChargeStart, nil, c.cfg.Retry)
}

func (c *Client) ChargeStop(ctx context.Context, vin string) (*vehicle.CommandResult, error) {
	return c.orch.Execute(ctx, vin, vehicle.CmdChargeStop, nil, c.cfg.Retry)
}

// Flash flashes the lights to locate the vehicle.
func (c *Client) Flash(ctx context.Context, vin string) (*vehicle.CommandResult, error) {
	return c.orch.Execute(ctx, vin, vehicle.CmdFlash, nil, c.cfg.Retry)
}

// trigger issues the initial slow-read request.
func (c *Client) trigger(vin, endpoint string) func(ctx context.Context) (poll.Response, error) {
	return func(ctx context.Context) (poll.Response, error) {
		resp, err := c.transport.Issue(ctx, endpoint, map[string]any{"vin": vin})
		if err != nil {
			return poll.Response{}, err
		}
		return poll.Response{Serial: vehicle.ResultSerial(resp), Payload: resp}, nil
	}
}

// pollRead issues one follow-up poll for a slow read.
func (c *Client) pollRead(vin, endpoint string) func(ctx context.Context, serial string) (poll.Response, error) {
	return func(ctx context.Context, serial string) (poll.Response, error) {
		resp, err := c.transport.Issue(ctx, endpoint, map[string]any{"vin": vin, "serial": serial})
		if err != nil {
			return poll.Response{}, err
		}
		return poll.Response{Serial: vehicle.ResultSerial(resp), Payload: resp}, nil
	}
}

// pushShortCircuit waits for a fresh push report and, when one lands,
// answers the read from the store instead of polling.
func (c *Client) pushShortCircuit(vin string, section vehicle.Section) func(ctx context.Context) (map[string]any, bool) {
	if c.cfg.PushShortCircuit <= 0 {
		return nil
	}
	return func(ctx context.Context) (map[string]any, bool) {
		if !c.coord.WaitForFreshTelemetry(vin, c.cfg.PushShortCircuit) {
			return nil, false
		}
		data := c.store.Section(vin, section)
		return data, data != nil
	}
}

// applySections folds a poll-channel payload into the store, one event per
// section submap present, or into realtime when the payload is flat.
func (c *Client) applySections(vin string, payload map[string]any) {
	if payload == nil {
		return
	}

	applied := false
	for _, section := range vehicle.Sections {
		if section == vehicle.SectionCommand {
			continue
		}
		raw, ok := payload[string(section)].(map[string]any)
		if !ok {
			continue
		}
		ts := vehicle.PayloadTimestamp(raw)
		if ts == nil {
			ts = vehicle.PayloadTimestamp(payload)
		}
		data := vehicle.PruneSentinels(raw)
		if len(data) == 0 {
			continue
		}
		c.store.Apply(vehicle.NewEvent(vin, section, vehicle.SourcePoll, data, payload, ts))
		applied = true
	}
	if applied {
		return
	}

	// Flat payloads carry realtime fields at the top level.
	data := vehicle.PruneSentinels(payload)
	delete(data, "serial")
	delete(data, "serialNum")
	delete(data, "vin")
	if len(data) == 0 {
		return
	}
	c.store.Apply(vehicle.NewEvent(vin, vehicle.SectionRealtime, vehicle.SourcePoll,
		data, payload, vehicle.PayloadTimestamp(payload)))
}

// telemetryReady accepts a payload that is more than an echoed serial:
// a usable timestamp or any real telemetry field.
func telemetryReady(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	if vehicle.PayloadTimestamp(payload) != nil {
		return true
	}
	for _, key := range []string{"realtime", "speed", "soc", "lock_status"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}

// locationReady accepts a payload with an actual fix.
func locationReady(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	if loc, ok := payload[string(vehicle.SectionLocation)].(map[string]any); ok {
		payload = loc
	}
	_, lat := payload["latitude"]
	_, lng := payload["longitude"]
	return lat && lng
}
