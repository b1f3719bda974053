package model

// Outcome is the lifecycle state of one task attempt.
type Outcome string

const (
	OutcomeRunning     Outcome = "running"
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

var terminalOutcomes = map[Outcome]bool{
	OutcomeSuccess:     true,
	OutcomeFailed:      true,
	OutcomeInterrupted: true,
}

func IsTerminal(o Outcome) bool {
	return terminalOutcomes[o]
}

// InstanceState is the scheduler-side state of a task instance.
type InstanceState string

const (
	InstanceScheduled InstanceState = "scheduled"
	InstanceQueued    InstanceState = "queued"
	InstanceRunning   InstanceState = "running"
	InstanceSucceeded InstanceState = "succeeded"
	InstanceFailed    InstanceState = "failed"
)
