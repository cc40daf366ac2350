package models

// ActionKind is an imperative operation on a process.
type ActionKind string

const (
	ActionTerminate   ActionKind = "terminate"
	ActionKill        ActionKind = "kill"
	ActionSuspend     ActionKind = "suspend"
	ActionContinue    ActionKind = "continue"
	ActionSetPriority ActionKind = "set_priority"
	ActionSetAffinity ActionKind = "set_affinity"
)

// Valid reports whether k is a known action.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionTerminate, ActionKill, ActionSuspend, ActionContinue, ActionSetPriority, ActionSetAffinity:
		return true
	}
	return false
}

// ActionRequest asks for an action on one process. StartTime, when set,
// must match the live process or the action is refused as NotFound.
type ActionRequest struct {
	ID        string     `json:"id,omitempty"`
	PID       int32      `json:"pid"`
	StartTime uint64     `json:"start_time,omitempty"`
	Kind      ActionKind `json:"kind"`
	Priority  int        `json:"priority,omitempty"`
	CPUs      []int      `json:"cpus,omitempty"`
}

// ActionResult is the terminal outcome of an ActionRequest. An
// Indeterminate result means the action may or may not have taken effect;
// callers must re-query the process.
type ActionResult struct {
	ID            string `json:"id"`
	PID           int32  `json:"pid"`
	OK            bool   `json:"ok"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	Indeterminate bool   `json:"indeterminate,omitempty"`
}
