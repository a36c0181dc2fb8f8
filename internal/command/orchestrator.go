// Package command implements the remote-command state machine: issue,
// rate-limit retry, the poll-or-push race for the authoritative result,
// correlation and optimistic-state reconciliation.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bydlink/internal/poll"
	"bydlink/internal/push"
	"bydlink/internal/state"
	"bydlink/internal/transport"
	"bydlink/internal/vehicle"
)

// resultEndpoint is the request-channel endpoint answering "what happened
// to the command with this serial".
const resultEndpoint = "vehicle/control/result"

// ErrCommandInFlight is returned once the in-flight rejection retry budget
// is exhausted.
var ErrCommandInFlight = errors.New("another command is already in flight")

// FailedError is returned when the vehicle reports the command failed and
// the command-level retry budget is exhausted.
type FailedError struct {
	Command string
	Message string
}

func (e *FailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command %s failed", e.Command)
	}
	return fmt.Sprintf("command %s failed: %s", e.Command, e.Message)
}

// RetryConfig bounds every wait and retry in one command invocation.
type RetryConfig struct {
	// InFlightRetries and InFlightDelay govern reissue after the
	// "already in flight" rejection. Distinct from command-level retry.
	InFlightRetries int
	InFlightDelay   time.Duration

	// CommandRetries is the number of full re-attempts after a
	// device-reported failure. Transport errors are never retried.
	CommandRetries int

	// PollAttempts and PollInterval shape the command-result poll loop.
	PollAttempts int
	PollInterval time.Duration

	// PushWait bounds the push-channel waiter in the race.
	PushWait time.Duration

	// OptimisticTTL is the lifetime of the pre-confirmation overlay.
	OptimisticTTL time.Duration
}

// DefaultRetryConfig returns bounds matched to how slowly the vendor's
// cloud settles commands.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InFlightRetries: 3,
		InFlightDelay:   5 * time.Second,
		CommandRetries:  1,
		PollAttempts:    6,
		PollInterval:    5 * time.Second,
		PushWait:        30 * time.Second,
		OptimisticTTL:   90 * time.Second,
	}
}

// Orchestrator issues remote commands and reconciles their optimistic
// state against the eventually reported outcome.
type Orchestrator struct {
	transport transport.Client
	store     *state.Store
	coord     *push.Coordinator
}

// NewOrchestrator wires an orchestrator over its collaborators.
func NewOrchestrator(t transport.Client, store *state.Store, coord *push.Coordinator) *Orchestrator {
	return &Orchestrator{transport: t, store: store, coord: coord}
}

// Execute runs one command to a settled outcome. State-visible commands
// get an optimistic overlay up front; success re-applies it sticky so it
// survives until a real snapshot confirms or contradicts it, and failure
// or any error restores the pre-command assumption. A non-terminal result
// after all polling is returned as the best-known outcome, not an error.
func (o *Orchestrator) Execute(ctx context.Context, vin string, cmd vehicle.Command, params map[string]any, rc RetryConfig) (*vehicle.CommandResult, error) {
	if cmd.StateVisible {
		o.store.Apply(vehicle.NewOptimistic(vin, cmd.Section, cmd.Expected, rc.OptimisticTTL))
	}

	var lastFailure *vehicle.CommandResult
	for attempt := 0; attempt <= rc.CommandRetries; attempt++ {
		res, err := o.attempt(ctx, vin, cmd, params, rc)
		if err != nil {
			o.correct(vin, cmd, rc)
			return nil, err
		}

		switch res.State {
		case vehicle.CommandSuccess:
			if cmd.StateVisible {
				// Sticky: trusted until an authoritative update clears it.
				o.store.Apply(vehicle.NewOptimistic(vin, cmd.Section, cmd.Expected, 0))
			}
			return res, nil
		case vehicle.CommandFailed:
			lastFailure = res
		default:
			// Pending after exhausting the race: best-known, caller
			// distinguishes via the state field.
			return res, nil
		}
	}

	o.correct(vin, cmd, rc)
	msg := ""
	if lastFailure != nil {
		msg = lastFailure.Message
	}
	return lastFailure, &FailedError{Command: cmd.Name, Message: msg}
}

// attempt runs one issue plus the poll-or-push race.
func (o *Orchestrator) attempt(ctx context.Context, vin string, cmd vehicle.Command, params map[string]any, rc RetryConfig) (*vehicle.CommandResult, error) {
	serial, deviceSerial, payload, err := o.issue(ctx, vin, cmd, params, rc)
	if err != nil {
		return nil, err
	}

	o.coord.RegisterCommand(vin, serial, cmd.Name)

	initial := vehicle.NormalizeResult(payload)
	if initial.Serial == "" {
		initial.Serial = serial
	}
	if initial.State.Terminal() {
		return &initial, nil
	}

	if !deviceSerial {
		// The device gave us nothing to poll with; only the push channel
		// can settle this attempt.
		if r := o.coord.WaitForCommandResult(serial, rc.PushWait); r != nil {
			return r, nil
		}
		return &initial, nil
	}

	pushCh := make(chan *vehicle.CommandResult, 1)
	pollCh := make(chan *vehicle.CommandResult, 1)

	go func() {
		pushCh <- o.coord.WaitForCommandResult(serial, rc.PushWait)
	}()
	go func() {
		pollCh <- o.pollResult(ctx, vin, serial, initial, rc)
	}()

	// Whichever channel resolves first is authoritative; the loser's late
	// result is simply never awaited. A push timeout does not count as a
	// resolution.
	for {
		select {
		case r := <-pushCh:
			if r != nil {
				return r, nil
			}
			pushCh = nil
		case r := <-pollCh:
			return r, nil
		}
	}
}

// issue sends the command, retrying the in-flight rejection up to the
// budget. It returns the correlation serial (synthesized locally when the
// device echoed none), whether the serial came from the device, and the
// decoded issue response.
func (o *Orchestrator) issue(ctx context.Context, vin string, cmd vehicle.Command, params map[string]any, rc RetryConfig) (string, bool, map[string]any, error) {
	payload := map[string]any{
		"vin":         vin,
		"controlType": cmd.ControlType,
	}
	for k, v := range params {
		payload[k] = v
	}

	for attempt := 0; ; attempt++ {
		resp, err := o.transport.Issue(ctx, cmd.Endpoint, payload)
		if err != nil {
			// Transport faults propagate immediately; the caller decides
			// about session refresh or abort.
			return "", false, nil, err
		}

		if !vehicle.IsInFlightRejection(resp) {
			if serial := vehicle.ResultSerial(resp); serial != "" {
				return serial, true, resp, nil
			}
			return uuid.NewString(), false, resp, nil
		}

		if attempt >= rc.InFlightRetries {
			return "", false, nil, ErrCommandInFlight
		}

		t := time.NewTimer(rc.InFlightDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", false, nil, ctx.Err()
		}
	}
}

// pollResult drives the command-result endpoint with the trigger-then-poll
// protocol until a terminal state or attempt exhaustion.
func (o *Orchestrator) pollResult(ctx context.Context, vin, serial string, initial vehicle.CommandResult, rc RetryConfig) *vehicle.CommandResult {
	payload, err := poll.UntilReady(ctx, poll.Options{
		Trigger: func(ctx context.Context) (poll.Response, error) {
			return poll.Response{Serial: serial, Payload: initial.Raw}, nil
		},
		Poll: func(ctx context.Context, s string) (poll.Response, error) {
			resp, err := o.transport.Issue(ctx, resultEndpoint, map[string]any{
				"vin":    vin,
				"serial": s,
			})
			if err != nil {
				return poll.Response{}, err
			}
			return poll.Response{Serial: vehicle.ResultSerial(resp), Payload: resp}, nil
		},
		Ready: func(p map[string]any) bool {
			return vehicle.NormalizeResult(p).State.Terminal()
		},
		Attempts: rc.PollAttempts,
		Interval: rc.PollInterval,
	})
	if err != nil || payload == nil {
		return &initial
	}

	res := vehicle.NormalizeResult(payload)
	if res.Serial == "" {
		res.Serial = serial
	}
	return &res
}

// correct writes the failed-assumption overlay after a command error.
func (o *Orchestrator) correct(vin string, cmd vehicle.Command, rc RetryConfig) {
	if !cmd.StateVisible || cmd.Corrective == nil {
		return
	}
	o.store.Apply(vehicle.NewOptimistic(vin, cmd.Section, cmd.Corrective, rc.OptimisticTTL))
}
