package domain

// LifecycleState describes where a worker instance sits in its spawn/probe/stop
// lifecycle. Only the Supervisor may assign Stopped, Starting or Failed; only
// the health prober may promote Starting to Running.
type LifecycleState string

const (
	Stopped  LifecycleState = "Stopped"
	Starting LifecycleState = "Starting"
	Running  LifecycleState = "Running"
	Failed   LifecycleState = "Failed"
)

// CanTransitionTo reports whether a move from s to next is one of the
// transitions named in the lifecycle: Stopped->Starting, Starting->Running,
// Starting->Failed, Running->Stopped, Running->Starting, plus Failed->Starting
// for an explicit start of a failed instance.
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	switch s {
	case Stopped:
		return next == Starting
	case Starting:
		return next == Running || next == Failed
	case Running:
		return next == Stopped || next == Starting
	case Failed:
		return next == Starting
	default:
		return false
	}
}

// IsSelectable reports whether an instance in this state may be handed
// outbound traffic by the Dispatcher. The breaker applies a second,
// independent veto on top of this.
func (s LifecycleState) IsSelectable() bool {
	return s == Running
}
