package api

import (
	"patchbench/internal/bench"
	"patchbench/internal/markers"
	"patchbench/internal/monitor"
)

// BenchmarkRequest is the body of POST /run_benchmark.
type BenchmarkRequest struct {
	PRURL        string `json:"pr_url"`
	WorkloadCode string `json:"workload_code"`
	Patch        string `json:"patch,omitempty"`
}

// BenchmarkResponse reports a finished (or failed) run. Means and standard
// deviations are repeated at top level for clients that do not read the
// nested records.
type BenchmarkResponse struct {
	RunID            string               `json:"run_id"`
	ImageTag         string               `json:"image_tag"`
	InstanceID       string               `json:"instance_id,omitempty"`
	IsDirectImage    bool                 `json:"is_direct_image"`
	Before           markers.Record       `json:"before"`
	After            markers.Record       `json:"after"`
	MeanBefore       *float64             `json:"mean_before"`
	StdBefore        *float64             `json:"std_before"`
	MeanAfter        *float64             `json:"mean_after"`
	StdAfter         *float64             `json:"std_after"`
	Ratio            *float64             `json:"ratio"`
	Error            *string              `json:"error"`
	PerfOutputBefore string               `json:"perf_output_before"`
	PerfOutputAfter  string               `json:"perf_output_after"`
	Commands         []string             `json:"commands"`
	PatchApplied     bool                 `json:"patch_applied"`
	PatchSkipped     bool                 `json:"patch_skipped,omitempty"`
	Diagnostics      []monitor.Diagnostic `json:"diagnostics"`
	DownloadInfo     string               `json:"download_info,omitempty"`
	DockerCommand    string               `json:"docker_command"`
	ArchiveKey       string               `json:"archive_key,omitempty"`
	Status           string               `json:"status"`
	DurationMS       int64                `json:"duration_ms"`
}

func responseFromResult(res *bench.Result) BenchmarkResponse {
	resp := BenchmarkResponse{
		RunID:            res.RunID,
		ImageTag:         res.ImageTag,
		InstanceID:       res.InstanceID,
		IsDirectImage:    res.IsDirectImage,
		Before:           res.Before,
		After:            res.After,
		MeanBefore:       res.Before.Mean,
		StdBefore:        res.Before.Std,
		MeanAfter:        res.After.Mean,
		StdAfter:         res.After.Std,
		Ratio:            res.Ratio,
		PerfOutputBefore: res.BeforeOutput,
		PerfOutputAfter:  res.AfterOutput,
		Commands:         res.Commands,
		PatchApplied:     res.PatchApplied,
		PatchSkipped:     res.PatchSkipped,
		Diagnostics:      res.Diagnostics,
		DownloadInfo:     res.DownloadInfo,
		DockerCommand:    res.DockerCommand,
		ArchiveKey:       res.ArchiveKey,
		Status:           res.Status,
		DurationMS:       res.Duration.Milliseconds(),
	}
	if res.Error != "" {
		msg := res.Error
		resp.Error = &msg
	}
	if resp.Commands == nil {
		resp.Commands = []string{}
	}
	if resp.Diagnostics == nil {
		resp.Diagnostics = []monitor.Diagnostic{}
	}
	return resp
}

// TokenRequest is the body of POST /api/upload/token.
type TokenRequest struct {
	Token string `json:"token"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Docker     bool   `json:"docker"`
	Database   bool   `json:"database"`
	Running    bool   `json:"running"`
	DeviceFlow bool   `json:"device_flow"`
	Uptime     string `json:"uptime"`
}
