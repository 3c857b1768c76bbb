package engine

import (
	"time"

	"github.com/google/uuid"
)

// OverallStatus summarises a run.
type OverallStatus string

const (
	StatusAllSuccess OverallStatus = "ALL_SUCCESS"
	StatusPartial    OverallStatus = "PARTIAL"
	StatusAllFailed  OverallStatus = "ALL_FAILED"
)

// RunInfo identifies a run and its parameters.
type RunInfo struct {
	ID         uuid.UUID  `json:"run_id" bson:"run_id"`
	Operation  string     `json:"operation" bson:"operation"`
	StartedAt  time.Time  `json:"started_at" bson:"started_at"`
	FinishedAt time.Time  `json:"finished_at" bson:"finished_at"`
	Cancelled  bool       `json:"cancelled" bson:"cancelled"`
	Config     TaskConfig `json:"config" bson:"config"`
}

// Result is one target's record in a report.
type Result struct {
	Index      int           `json:"index" bson:"index"`
	Target     string        `json:"target" bson:"target"`
	Status     TaskState     `json:"status" bson:"status"`
	Attempts   int           `json:"attempts" bson:"attempts"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty" bson:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty" bson:"error,omitempty"`
	Payload    any           `json:"payload,omitempty" bson:"payload,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration" bson:"duration"`
}

// Succeeded reports whether the target reached SUCCEEDED.
func (r Result) Succeeded() bool { return r.Status == StateSucceeded }

// Summary counts results by terminal state.
type Summary struct {
	Total     int `json:"total" bson:"total"`
	Succeeded int `json:"succeeded" bson:"succeeded"`
	Failed    int `json:"failed" bson:"failed"`
	Cancelled int `json:"cancelled" bson:"cancelled"`
}

// RunReport is built once by Aggregate and must be treated as read-only.
type RunReport struct {
	RunInfo       `bson:",inline"`
	Results       []Result      `json:"results" bson:"results"`
	OverallStatus OverallStatus `json:"overall_status" bson:"overall_status"`
	Summary       Summary       `json:"summary" bson:"summary"`
}

// Failed returns the results that did not succeed, in input order.
func (r *RunReport) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Succeeded() {
			out = append(out, res)
		}
	}
	return out
}
