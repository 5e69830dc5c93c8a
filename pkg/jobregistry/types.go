package jobregistry

import "time"

// JobState is the lifecycle state of a verification job.
//
// NOTE: These values are returned verbatim by the status API and are part of
// the stable wire contract.
type JobState string

const (
	JobStateInProgress JobState = "in-progress"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"

	// JobStateUnknown is reported for ids the registry does not hold. It is
	// never stored on a record.
	JobStateUnknown JobState = "unknown"
)

// Terminal reports whether no further transition can leave s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// UnknownJobMessage accompanies views of ids the registry does not hold.
const UnknownJobMessage = "Invalid process ID"

// JobRecord is the registry's internal record for one job.
//
// Records are replaced wholesale under the registry lock and handed out only
// as copies, so readers never see a half-applied update.
type JobRecord struct {
	JobID  string
	State  JobState
	Phase  string
	Result any
	Error  string
	Labels map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   *time.Time
}

// JobView is the externally visible snapshot of a job.
type JobView struct {
	JobID   string            `json:"jobId,omitempty"`
	Status  JobState          `json:"status"`
	Phase   string            `json:"phase,omitempty"`
	Result  any               `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
	Message string            `json:"message,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`

	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Known reports whether the view describes a job the registry holds.
func (v JobView) Known() bool {
	return v.Status != JobStateUnknown
}

// Terminal reports whether the viewed job reached a terminal state.
func (v JobView) Terminal() bool {
	return v.Status.Terminal()
}

func unknownView(jobID string) JobView {
	return JobView{JobID: jobID, Status: JobStateUnknown, Message: UnknownJobMessage}
}

func (r *JobRecord) view() JobView {
	created := r.CreatedAt
	updated := r.UpdatedAt
	v := JobView{
		JobID:     r.JobID,
		Status:    r.State,
		Phase:     r.Phase,
		Result:    r.Result,
		Error:     r.Error,
		CreatedAt: &created,
		UpdatedAt: &updated,
	}
	if len(r.Labels) > 0 {
		v.Labels = make(map[string]string, len(r.Labels))
		for k, val := range r.Labels {
			v.Labels[k] = val
		}
	}
	if r.EndedAt != nil {
		ended := *r.EndedAt
		v.EndedAt = &ended
	}
	return v
}
