package models

type JobStatus string

const (
	StatusPending        JobStatus = "pending"
	StatusDriverAssigned JobStatus = "driver_assigned"
	StatusDriverArrived  JobStatus = "driver_arrived"
	StatusInProgress     JobStatus = "in_progress"
	StatusCompleted      JobStatus = "completed"
	StatusCancelled      JobStatus = "cancelled"
)

// AllowedTransitions is the job state flow. driver_assigned -> pending is only
// reachable through a driver release, which also clears the driver reference.
var AllowedTransitions = map[JobStatus][]JobStatus{
	StatusPending:        {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned: {StatusDriverArrived, StatusInProgress, StatusCancelled, StatusPending},
	StatusDriverArrived:  {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted},
}

func CanTransition(from, to JobStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
