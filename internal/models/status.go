package models

type JobStatus string

const (
	JobDraft       JobStatus = "draft"
	JobQuoted      JobStatus = "quoted"
	JobDispatching JobStatus = "dispatching"
	JobAssigned    JobStatus = "assigned"
	JobEnRoute     JobStatus = "en_route"
	JobArrived     JobStatus = "arrived"
	JobStarted     JobStatus = "started"
	JobCompleted   JobStatus = "completed"
	JobCancelled   JobStatus = "cancelled"
	JobNoCoverage  JobStatus = "no_coverage"
)

// Forward-only transition table. Cancellation is added for every non-terminal state below.
var transitions = map[JobStatus][]JobStatus{
	JobDraft:       {JobQuoted, JobDispatching},
	JobQuoted:      {JobDispatching},
	JobDispatching: {JobAssigned, JobNoCoverage},
	JobAssigned:    {JobEnRoute},
	JobEnRoute:     {JobArrived},
	JobArrived:     {JobStarted},
	JobStarted:     {JobCompleted},
}

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobNoCoverage
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobDraft, JobQuoted, JobDispatching, JobAssigned, JobEnRoute, JobArrived,
		JobStarted, JobCompleted, JobCancelled, JobNoCoverage:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed forward transition.
// Payment moves draft straight to dispatching; quoted is optional.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == JobCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
