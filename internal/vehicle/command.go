package vehicle

// Command describes a remote command the vehicle understands: where to send
// it and, for commands whose effect is visible in cached state, the section
// patches the orchestrator applies optimistically.
type Command struct {
	// Name is the stable identifier, used in errors and correlation.
	Name string

	// Endpoint is the request-channel endpoint the command is issued to.
	Endpoint string

	// ControlType is the vendor's numeric control code for the command.
	ControlType int

	// StateVisible marks commands whose end-state shows up in a section
	// (lock state, climate state). Only these get optimistic overlays.
	StateVisible bool

	// Section the optimistic patches apply to.
	Section Section

	// Expected is the end-state patch assumed while the command is
	// unconfirmed, and re-applied sticky once it succeeds.
	Expected map[string]any

	// Corrective is the pre-command assumption restored when the command
	// fails outright.
	Corrective map[string]any
}

// The remote command catalog.
var (
	CmdLock = Command{
		Name:         "lock",
		Endpoint:     "vehicle/control/door",
		ControlType:  1,
		StateVisible: true,
		Section:      SectionRealtime,
		Expected:     map[string]any{"lock_status": 1},
		Corrective:   map[string]any{"lock_status": 0},
	}

	CmdUnlock = Command{
		Name:         "unlock",
		Endpoint:     "vehicle/control/door",
		ControlType:  2,
		StateVisible: true,
		Section:      SectionRealtime,
		Expected:     map[string]any{"lock_status": 0},
		Corrective:   map[string]any{"lock_status": 1},
	}

	CmdClimateOn = Command{
		Name:         "climate_on",
		Endpoint:     "vehicle/control/climate",
		ControlType:  3,
		StateVisible: true,
		Section:      SectionClimate,
		Expected:     map[string]any{"ac_status": 1},
		Corrective:   map[string]any{"ac_status": 0},
	}

	CmdClimateOff = Command{
		Name:         "climate_off",
		Endpoint:     "vehicle/control/climate",
		ControlType:  4,
		StateVisible: true,
		Section:      SectionClimate,
		Expected:     map[string]any{"ac_status": 0},
		Corrective:   map[string]any{"ac_status": 1},
	}

	CmdChargeStart = Command{
		Name:        "charge_start",
		Endpoint:    "vehicle/control/charge",
		ControlType: 5,
	}

	CmdChargeStop = Command{
		Name:        "charge_stop",
		Endpoint:    "vehicle/control/charge",
		ControlType: 6,
	}

	CmdFlash = Command{
		Name:        "flash",
		Endpoint:    "vehicle/control/find",
		ControlType: 7,
	}
)
