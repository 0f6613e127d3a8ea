package state

// Machine is the closed set of orchestrator states. Handlers dispatch on the
// tag; there is no polymorphism over state types.
type Machine string

const (
	StateIdle           Machine = "idle"
	StateResuming       Machine = "resuming"
	StateCreatingSpec   Machine = "creatingSpec"
	StateLoadingSpec    Machine = "loadingSpec"
	StateGeneratingSpec Machine = "generatingSpec"
	StateInitializing   Machine = "initializing"
	StatePickingStory   Machine = "pickingStory"
	StateRunningClaude  Machine = "runningClaude"
	StateReviewing      Machine = "reviewing"
	StateCorrecting     Machine = "correcting"
	StateCommitting     Machine = "committing"
	StateCreatingPR     Machine = "creatingPR"
	StateCompleted      Machine = "completed"
	StateFailed         Machine = "failed"
)

// Terminal reports whether the state ends the run.
func (m Machine) Terminal() bool {
	return m == StateCompleted || m == StateFailed
}

// Valid reports whether m is a known machine state.
func (m Machine) Valid() bool {
	switch m {
	case StateIdle, StateResuming, StateCreatingSpec, StateLoadingSpec,
		StateGeneratingSpec, StateInitializing, StatePickingStory,
		StateRunningClaude, StateReviewing, StateCorrecting,
		StateCommitting, StateCreatingPR, StateCompleted, StateFailed:
		return true
	}
	return false
}
