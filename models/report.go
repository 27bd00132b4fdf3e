package models

import "time"

// RunStatus summarises how a crawl run ended.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// RunReport is the immutable summary of one crawl invocation.
type RunReport struct {
	ID           string         `json:"id" bson:"_id"`
	Source       string         `json:"source" bson:"source"`
	Status       RunStatus      `json:"status" bson:"status"`
	StartedAt    time.Time      `json:"started_at" bson:"started_at"`
	Duration     time.Duration  `json:"duration" bson:"duration"`
	PageCount    int            `json:"page_count" bson:"page_count"`
	RequestCount int            `json:"request_count" bson:"request_count"`
	RetryCount   int            `json:"retry_count" bson:"retry_count"`
	Found        int            `json:"found" bson:"found"`
	New          int            `json:"new" bson:"new"`
	Updated      int            `json:"updated" bson:"updated"`
	Unchanged    int            `json:"unchanged" bson:"unchanged"`
	ErrorCount   int            `json:"error_count" bson:"error_count"`
	ErrorsByType map[string]int `json:"errors_by_type,omitempty" bson:"errors_by_type,omitempty"`
	ErrorSample  []string       `json:"error_sample,omitempty" bson:"error_sample,omitempty"`
}

// RecordCount is the number of canonical records written by the run.
func (r *RunReport) RecordCount() int {
	return r.New + r.Updated + r.Unchanged
}

// SweepReport summarises one scheduled health-check sweep.
type SweepReport struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Candidates   int           `json:"candidates"`
	Due          int           `json:"due"`
	Checked      int           `json:"checked"`
	Unchanged    int           `json:"unchanged"`
	PriceChanged int           `json:"price_changed"`
	Removed      int           `json:"removed"`
	Inconclusive int           `json:"inconclusive"`
	Errors       int           `json:"errors"`
}
