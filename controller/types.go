package controller

import (
	"strings"

	"github.com/guregu/null"
)

type StressTestRequest struct {
	ConnectionID       string      `json:"connectionId"`
	Query              string      `json:"query"`
	ParallelExecutions int         `json:"parallelExecutions"`
	TotalExecutions    int         `json:"totalExecutions"`
	Database           null.String `json:"database"`
}

// Parallelism is the number of workers actually used.
func (r *StressTestRequest) Parallelism() int {
	if r.ParallelExecutions > r.TotalExecutions {
		return r.TotalExecutions
	}
	return r.ParallelExecutions
}

func (r *StressTestRequest) Validate() error {
	if r == nil {
		return makeValidationError("request", "is empty")
	}
	if strings.TrimSpace(r.ConnectionID) == "" {
		return makeValidationError("connectionId", "is required")
	}
	if strings.TrimSpace(r.Query) == "" {
		return makeValidationError("query", "is required")
	}
	if r.ParallelExecutions < 1 {
		return makeValidationError("parallelExecutions", "must be at least 1")
	}
	if r.TotalExecutions < 1 {
		return makeValidationError("totalExecutions", "must be at least 1")
	}
	return nil
}

type StressTestResult struct {
	Success bool   `json:"success"`
	TestID  string `json:"testId,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	// Err keeps the typed failure for callers that map it, such as the API.
	Err error `json:"-"`
}

func failed(testID string, err error) *StressTestResult {
	return &StressTestResult{Success: false, TestID: testID, Error: err.Error(), Err: err}
}

// RunStatus describes the active or last run.
type RunStatus struct {
	Running       bool      `json:"running"`
	TestID        string    `json:"testId,omitempty"`
	SessionName   string    `json:"sessionName,omitempty"`
	SessionState  string    `json:"sessionState,omitempty"`
	Total         int       `json:"totalExecutions"`
	Parallelism   int       `json:"parallelism"`
	Dispatched    int64     `json:"dispatched"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	InFlight      int64     `json:"inFlight"`
	Matched       int64     `json:"matchedEvents"`
	Unattributed  int64     `json:"unattributedEvents"`
	StartedTime   null.Time `json:"startedTime"`
	EndTime       null.Time `json:"endTime"`
	CancelPending bool      `json:"cancelRequested"`
}
