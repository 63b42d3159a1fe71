// Package jobstatus defines the worker job statuses. The worker stores them
// and the producer reads them back from GET /jobs/{id}, so both sides share
// this package instead of each other's.
package jobstatus

type Status string

const (
	Pending      Status = "pending"
	Extracting   Status = "extracting"
	Transcribing Status = "transcribing"
	Summarizing  Status = "summarizing"
	Completed    Status = "completed"
	Failed       Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed
}

// IsActive returns true while a pipeline stage is running for the job.
func (s Status) IsActive() bool {
	return s == Extracting || s == Transcribing || s == Summarizing
}
