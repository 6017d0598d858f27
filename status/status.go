package status

//BatchStatus status of job or step execution
type BatchStatus string

const (
	//STARTING represent beginning of a job or step execution
	STARTING BatchStatus = "STARTING"
	//STARTED job or step have be started and is running
	STARTED BatchStatus = "STARTED"
	//STOPPING job or step to be stopped
	STOPPING BatchStatus = "STOPPING"
	//STOPPED job or step have be stopped
	STOPPED BatchStatus = "STOPPED"
	//COMPLETED job or step have finished successfully
	COMPLETED BatchStatus = "COMPLETED"
	//FAILED job or step have failed
	FAILED BatchStatus = "FAILED"
	//UNKNOWN job or step have aborted due to unknown reason
	UNKNOWN BatchStatus = "UNKNOWN"
)

// severity order used by And; a worse status always wins
var statuses = map[BatchStatus]int{
	STARTING:  0,
	STARTED:   1,
	COMPLETED: 2,
	STOPPING:  3,
	STOPPED:   4,
	FAILED:    5,
	UNKNOWN:   6,
}

//And combine two statuses, the result is the more severe one
func (s BatchStatus) And(other BatchStatus) BatchStatus {
	i1, ok1 := statuses[s]
	i2, ok2 := statuses[other]
	if ok1 && ok2 {
		if i1 < i2 {
			return other
		}
		return s
	} else if ok1 {
		return other
	}
	return s
}

//IsTerminal whether no further transition is allowed from the status
func (s BatchStatus) IsTerminal() bool {
	return s == COMPLETED || s == FAILED || s == STOPPED || s == UNKNOWN
}

//IsRunning whether the execution is still in progress
func (s BatchStatus) IsRunning() bool {
	return s == STARTING || s == STARTED || s == STOPPING
}

//Aggregate folds the statuses of partitions into one job status:
//FAILED if any failed or never finished, otherwise STOPPED if any stopped,
//otherwise COMPLETED. An empty input yields FAILED.
func Aggregate(all ...BatchStatus) BatchStatus {
	if len(all) == 0 {
		return FAILED
	}
	result := COMPLETED
	for _, s := range all {
		if s.IsRunning() {
			return FAILED
		}
		result = result.And(s)
	}
	switch result {
	case COMPLETED, STOPPED:
		return result
	}
	return FAILED
}
