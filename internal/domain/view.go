package domain

// JobView is the caller-facing shape of a job: the record joined with its
// payload. Callers never see the record/payload split.
type JobView struct {
	Job
	Results  []Result
	Errors   []string
	Metadata map[string]string
}
