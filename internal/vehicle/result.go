package vehicle

import "strings"

// CommandState is the terminal (or not) state of a remote command.
type CommandState string

const (
	CommandPending CommandState = "pending"
	CommandSuccess CommandState = "success"
	CommandFailed  CommandState = "failed"
)

// Terminal reports whether the state is a final outcome.
func (s CommandState) Terminal() bool {
	return s == CommandSuccess || s == CommandFailed
}

// CommandResult is the normalized outcome of a remote command, produced by
// NormalizeResult from either channel's decoded payload.
type CommandResult struct {
	State   CommandState
	Serial  string
	Message string
	Raw     map[string]any
}

// Result code values the vendor reports in the "res" field.
const (
	resFailure = 0
	resSuccess = 1
	resRunning = 2
	resBusy    = 3
)

// busyPhrases mark the "another command is already in flight" rejection in
// message text when the numeric code is absent.
var busyPhrases = []string{"正在执行", "in progress", "busy"}

// IsInFlightRejection reports whether a decoded issue response is the
// distinguished "another command is already in flight" rejection.
func IsInFlightRejection(payload map[string]any) bool {
	if code, ok := intField(payload, "res", "result"); ok && code == resBusy {
		return true
	}
	msg := strings.ToLower(resultMessage(payload))
	if msg == "" {
		return false
	}
	for _, p := range busyPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// successPhrases and failurePhrases are the human-readable strings the
// vendor embeds in result messages, used only as the last-resort signal.
var successPhrases = []string{"成功", "success", "executed"}
var failurePhrases = []string{"失败", "fail", "error", "reject"}

// NormalizeResult turns a decoded command-result payload into a
// CommandResult. The state is derived from the first rule that applies, in
// strict order:
//
//  1. an explicit numeric result code ("res" or "result");
//  2. the control-state field ("controlState" or "state");
//  3. a success/failure phrase in the message text.
//
// Payloads matching none of the rules normalize to pending.
func NormalizeResult(payload map[string]any) CommandResult {
	r := CommandResult{
		State:   CommandPending,
		Serial:  ResultSerial(payload),
		Message: resultMessage(payload),
		Raw:     payload,
	}

	// 1. Explicit result code.
	if code, ok := intField(payload, "res", "result"); ok {
		switch code {
		case resSuccess:
			r.State = CommandSuccess
		case resFailure:
			r.State = CommandFailed
		case resRunning:
			r.State = CommandPending
		}
		return r
	}

	// 2. Control-state field.
	if cs, ok := stringField(payload, "controlState", "state"); ok {
		switch strings.ToLower(cs) {
		case "success", "done", "finished":
			r.State = CommandSuccess
		case "fail", "failed":
			r.State = CommandFailed
		case "running", "pending", "executing":
			r.State = CommandPending
		}
		return r
	}

	// 3. Message text, last resort.
	msg := strings.ToLower(r.Message)
	for _, p := range failurePhrases {
		if strings.Contains(msg, p) {
			r.State = CommandFailed
			return r
		}
	}
	for _, p := range successPhrases {
		if strings.Contains(msg, p) {
			r.State = CommandSuccess
			return r
		}
	}

	return r
}

// ResultSerial extracts the correlation serial from a decoded payload,
// empty when the payload carries none.
func ResultSerial(payload map[string]any) string {
	s, _ := stringField(payload, "serial", "serialNum", "sn")
	return s
}

// ResultCommandType extracts the explicit command-type field, empty when
// the payload carries none.
func ResultCommandType(payload map[string]any) string {
	s, _ := stringField(payload, "command", "cmdType", "controlType")
	return s
}

func resultMessage(payload map[string]any) string {
	s, _ := stringField(payload, "message", "msg", "text")
	return s
}

func stringField(payload map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func intField(payload map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return int(t), true
		case int:
			return t, true
		case int64:
			return int(t), true
		}
	}
	return 0, false
}
