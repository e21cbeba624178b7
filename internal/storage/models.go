package storage

import (
	"encoding/json"
	"time"
)

// Run is one benchmark run as kept in the history table.
type Run struct {
	ID            string     `json:"id" db:"id"`
	ImageTag      string     `json:"image_tag" db:"image_tag"`
	InstanceID    string     `json:"instance_id,omitempty" db:"instance_id"`
	IsDirectImage bool       `json:"is_direct_image" db:"is_direct_image"`
	WorkloadHash  string     `json:"workload_hash" db:"workload_hash"`
	PatchApplied  bool       `json:"patch_applied" db:"patch_applied"`
	MeanBefore    *float64   `json:"mean_before" db:"mean_before"`
	StdBefore     *float64   `json:"std_before" db:"std_before"`
	MeanAfter     *float64   `json:"mean_after" db:"mean_after"`
	StdAfter      *float64   `json:"std_after" db:"std_after"`
	Ratio         *float64   `json:"ratio" db:"ratio"`
	Status        string     `json:"status" db:"status"` // completed, extraction_failed, unavailable, cancelled, error
	Error         string     `json:"error,omitempty" db:"error"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	ArchiveKey    string     `json:"archive_key,omitempty" db:"archive_key"`
	RequestIP     string     `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ClientInfo identifies the helper that recorded a submission.
type ClientInfo struct {
	HelperVersion string `json:"helper_version"`
}

// SubmissionRecord is one line of the local submission log. Field names match
// the files published to the dataset repository.
type SubmissionRecord struct {
	ID          string          `json:"id"`
	TS          int64           `json:"ts"`
	Image       string          `json:"image"`
	InstanceID  string          `json:"instanceId"`
	GithubURL   *string         `json:"githubUrl"`
	Workload    *string         `json:"workload"`
	Before      json.RawMessage `json:"before"`
	After       json.RawMessage `json:"after"`
	Improvement *float64        `json:"improvement"`
	Notes       *string         `json:"notes"`
	Client      ClientInfo      `json:"client"`
}

// Submission is the outcome of a submission, mirrored to Postgres.
type Submission struct {
	ID          string    `json:"id" db:"id"`
	InstanceID  string    `json:"instance_id" db:"instance_id"`
	Image       string    `json:"image" db:"image"`
	Improvement *float64  `json:"improvement" db:"improvement"`
	Fingerprint string    `json:"fingerprint,omitempty" db:"fingerprint"`
	State       string    `json:"state" db:"state"`
	PRURL       string    `json:"pr_url,omitempty" db:"pr_url"`
	Path        string    `json:"path,omitempty" db:"path"`
	Message     string    `json:"message,omitempty" db:"message"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// RunFilter provides criteria for querying runs.
type RunFilter struct {
	ImageTag string
	Status   string
	Since    *time.Time
	Limit    int
	Offset   int
}
