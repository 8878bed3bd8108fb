package engine

// planModeDenyList is the built-in fallback deny-list for write-kind tools
// when a ToolDefinition does not explicitly declare AvailableInPlanMode
// (DESIGN.md open-question decision 2).
var planModeDenyList = map[string]bool{
	"write":  true,
	"edit":   true,
	"backup": true,
}

const (
	planModeReminder = "<system-reminder>Plan mode is active: only read-only " +
		"tools are available. Destructive or write tools are filtered out " +
		"of this request. Use the available tools to investigate and " +
		"propose a plan; do not attempt to modify anything.</system-reminder>"

	buildModeReminder = "<system-reminder>Plan mode has ended: all tools are " +
		"now available.</system-reminder>"
)

// ModeGate tracks plan-vs-build posture and the one-shot reminder fired on
// leaving plan mode (spec.md §4.9).
type ModeGate struct {
	planActive   bool
	justLeftPlan bool
}

// NewModeGate returns a gate starting in build mode.
func NewModeGate() *ModeGate { return &ModeGate{} }

// SetPlanActive toggles plan mode. Setting to the current value is a
// no-op, per spec.md §4.9.
func (g *ModeGate) SetPlanActive(active bool) {
	if active == g.planActive {
		return
	}
	if g.planActive && !active {
		g.justLeftPlan = true
	}
	g.planActive = active
}

// PlanActive reports whether plan mode is currently active.
func (g *ModeGate) PlanActive() bool { return g.planActive }

// AvailableInPlanMode reports whether def may run while plan mode is
// active: its own declared flag if set, else the built-in deny-list
// fallback.
func (g *ModeGate) AvailableInPlanMode(def ToolDefinition) bool {
	if def.AvailableInPlanModeSet {
		return def.AvailableInPlanMode
	}
	return !planModeDenyList[def.Name]
}

// ActiveToolNames returns the restricted tool-name whitelist for the
// request builder when plan mode is active, or nil when it is not (no
// restriction).
func (g *ModeGate) ActiveToolNames(defs []ToolDefinition) map[string]bool {
	if !g.planActive {
		return nil
	}
	active := make(map[string]bool, len(defs))
	for _, d := range defs {
		if g.AvailableInPlanMode(d) {
			active[d.Name] = true
		}
	}
	return active
}

// ConsumeReminder returns the system-reminder text to inject into the
// user's next message, if any: the plan-mode reminder on every call while
// plan mode is active, otherwise the one-shot leaving-plan-mode reminder,
// whose state it then clears. Called once per user message, before the
// request is built.
func (g *ModeGate) ConsumeReminder() string {
	if g.planActive {
		return planModeReminder
	}
	if g.justLeftPlan {
		g.justLeftPlan = false
		return buildModeReminder
	}
	return ""
}
