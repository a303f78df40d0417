package loop

// Status represents the lifecycle status of a loop.
type Status string

// Lifecycle statuses.
const (
	StatusDraft         Status = "draft"
	StatusPlanning      Status = "planning"
	StatusIdle          Status = "idle"
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusWaiting       Status = "waiting"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusMaxIterations Status = "max_iterations"
	StatusStopped       Status = "stopped"
	StatusMerged        Status = "merged"
	StatusPushed        Status = "pushed"
	StatusDeleted       Status = "deleted"
)

// ActiveStatuses is the single authoritative set of statuses that count as
// "active" for directory exclusivity and stale-loop recovery. Keep the
// exclusivity check, the store's stale reset, and the tests pointed here.
var ActiveStatuses = []Status{
	StatusIdle,
	StatusPlanning,
	StatusStarting,
	StatusRunning,
	StatusWaiting,
}

// EngineTerminalStatuses are the statuses an engine settles into on its own.
// The per-loop persistence ticker stops once one of these is reached, and
// jumpstart accepts exactly this set as restartable.
var EngineTerminalStatuses = []Status{
	StatusCompleted,
	StatusStopped,
	StatusFailed,
	StatusMaxIterations,
}

// PurgeableStatuses are the only statuses from which a loop record may be
// physically removed.
var PurgeableStatuses = []Status{
	StatusMerged,
	StatusPushed,
	StatusDeleted,
}

// FinalizableStatuses are the statuses from which accept/push may proceed.
var FinalizableStatuses = []Status{
	StatusCompleted,
	StatusMaxIterations,
}

// ValidStatuses returns every status the store will accept.
func ValidStatuses() []Status {
	return []Status{
		StatusDraft, StatusPlanning, StatusIdle, StatusStarting,
		StatusRunning, StatusWaiting, StatusCompleted, StatusFailed,
		StatusMaxIterations, StatusStopped, StatusMerged, StatusPushed,
		StatusDeleted,
	}
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool { return statusIn(s, ValidStatuses()) }

// IsActive reports whether s counts toward directory exclusivity.
func (s Status) IsActive() bool { return statusIn(s, ActiveStatuses) }

// IsEngineTerminal reports whether an engine has settled and the loop can be
// jumpstarted.
func (s Status) IsEngineTerminal() bool { return statusIn(s, EngineTerminalStatuses) }

// IsPurgeable reports whether the persisted record may be removed.
func (s Status) IsPurgeable() bool { return statusIn(s, PurgeableStatuses) }

// IsFinalizable reports whether accept/push preconditions on status hold.
func (s Status) IsFinalizable() bool { return statusIn(s, FinalizableStatuses) }

func (s Status) String() string { return string(s) }
