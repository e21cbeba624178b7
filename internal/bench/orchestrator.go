// Package bench runs one before/after benchmark of a patch against a prebuilt
// instance image and reports the parsed statistics.
package bench

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"patchbench/internal/archive"
	"patchbench/internal/config"
	"patchbench/internal/markers"
	"patchbench/internal/monitor"
	"patchbench/internal/sandbox"
	"patchbench/internal/storage"
)

// ExtractionFailed is the result error when either phase produced no numbers.
const ExtractionFailed = "Performance extraction failed, please check original output"

// Run statuses recorded in metrics and history.
const (
	StatusCompleted        = "completed"
	StatusExtractionFailed = "extraction_failed"
	StatusUnavailable      = "unavailable"
	StatusCancelled        = "cancelled"
	StatusError            = "error"
)

// Request is one benchmark request.
type Request struct {
	Target    string
	Workload  string
	Patch     string
	RequestIP string
}

// Result is everything a caller needs to judge a run. Fields describing phases
// that never ran are left at their zero values.
type Result struct {
	RunID         string               `json:"run_id"`
	ImageTag      string               `json:"image_tag"`
	InstanceID    string               `json:"instance_id,omitempty"`
	IsDirectImage bool                 `json:"is_direct_image"`
	Before        markers.Record       `json:"before"`
	After         markers.Record       `json:"after"`
	BeforeOutput  string               `json:"before_output"`
	AfterOutput   string               `json:"after_output"`
	Ratio         *float64             `json:"ratio"`
	Commands      []string             `json:"commands"`
	DockerCommand string               `json:"docker_command"`
	Transcript    string               `json:"transcript"`
	PatchApplied  bool                 `json:"patch_applied"`
	PatchSkipped  bool                 `json:"patch_skipped"`
	PatchOutput   string               `json:"patch_output,omitempty"`
	Diagnostics   []monitor.Diagnostic `json:"diagnostics,omitempty"`
	DownloadInfo  string               `json:"download_info,omitempty"`
	ArchiveKey    string               `json:"archive_key,omitempty"`
	Status        string               `json:"status"`
	Error         string               `json:"error,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	Duration      time.Duration        `json:"duration"`
}

// RunRecorder receives finished runs for the history table.
type RunRecorder interface {
	LogRun(run *storage.Run)
}

// StopStatus is the reply to a stop request.
type StopStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Options wires an Orchestrator. Driver and Images are required.
type Options struct {
	Driver    sandbox.Driver
	Images    sandbox.ImageStore
	Bench     config.BenchConfig
	Sandbox   config.SandboxConfig
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
	Diagnoser *monitor.Diagnoser
	Archive   archive.Archiver
	Recorder  RunRecorder
}

// Orchestrator owns the single benchmark slot of this process.
type Orchestrator struct {
	driver    sandbox.Driver
	images    sandbox.ImageStore
	bench     config.BenchConfig
	limits    sandbox.ResourceLimits
	security  sandbox.SecurityOptions
	policy    sandbox.PatchPolicy
	workRoot  string
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	diagnoser *monitor.Diagnoser
	archive   archive.Archiver
	recorder  RunRecorder

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		driver:    opts.Driver,
		images:    opts.Images,
		bench:     opts.Bench,
		limits:    sandbox.LimitsFromConfig(opts.Sandbox.Limits),
		security:  sandbox.SecurityOptions{NoNewPrivileges: opts.Sandbox.NoNewPrivileges, Seccomp: opts.Sandbox.Seccomp},
		policy:    sandbox.PatchPolicy(opts.Sandbox.PatchPolicy),
		workRoot:  opts.Sandbox.WorkRoot,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		diagnoser: opts.Diagnoser,
		archive:   opts.Archive,
		recorder:  opts.Recorder,
	}
	if o.tracer == nil {
		o.tracer = monitor.NewTracer()
	}
	if o.diagnoser == nil {
		o.diagnoser = monitor.NewDiagnoser()
	}
	if o.archive == nil {
		o.archive = archive.Nop{}
	}
	return o
}

// Running reports whether a run holds the slot.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running || o.driver.Active()
}

// Stop cancels the in-flight run, including an image pull that has not
// reached the sandbox yet. It never fails; when nothing runs it says so.
func (o *Orchestrator) Stop() StopStatus {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()

	stopped := o.driver.Cancel()
	if cancel != nil {
		cancel()
		stopped = true
	}
	if stopped {
		log.Info().Msg("benchmark stop requested")
		return StopStatus{Status: "success", Message: "Benchmark stopped successfully"}
	}
	return StopStatus{Status: "error", Message: "No benchmark currently running"}
}

func (o *Orchestrator) acquire(cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	o.cancel = cancel
	return true
}

func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
}

// Run benchmarks req.Patch against req.Target. Live session output is copied
// to stream when it is non-nil.
//
// A validation failure returns a nil Result. Every other failure returns a
// Result describing how far the run got together with the error; extraction
// failures are not errors and are reported through Result.Error only.
func (o *Orchestrator) Run(ctx context.Context, req Request, stream io.Writer) (*Result, error) {
	target, err := NormalizeTarget(req.Target, o.bench.ImagePrefix)
	if err != nil {
		return nil, err
	}
	if err := o.validatePayload(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !o.acquire(cancel) {
		return nil, fmt.Errorf("%w: another benchmark is running", ErrBusy)
	}
	defer o.releaseSlot()

	res := &Result{
		RunID:         uuid.New().String(),
		ImageTag:      target.Image,
		InstanceID:    target.InstanceID,
		IsDirectImage: target.IsDirectImage,
		StartedAt:     time.Now(),
	}

	logger := log.With().
		Str("run_id", res.RunID).
		Str("image", res.ImageTag).
		Logger()

	ctx, span := o.tracer.StartRun(ctx, res.RunID, res.ImageTag, res.InstanceID)
	defer span.End()

	if o.metrics != nil {
		o.metrics.WorkloadSizeBytes.Observe(float64(len(req.Workload)))
	}

	runErr := o.run(ctx, req, res, stream)

	res.Duration = time.Since(res.StartedAt)
	res.Status = statusOf(res, runErr)
	if len(res.Diagnostics) > 0 && o.metrics != nil {
		for _, d := range res.Diagnostics {
			o.metrics.RecordDiagnostic(d.Pattern)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordRun(res.Status, res.Duration.Seconds(), res.Ratio)
	}

	monitor.FinishRun(span, monitor.RunSummary{
		PatchApplied: res.PatchApplied,
		Duration:     res.Duration,
		Ratio:        res.Ratio,
		Err:          runErr,
	})

	o.archiveResult(ctx, res)
	o.record(req, res)

	event := logger.Info()
	if runErr != nil {
		event = logger.Warn().Err(runErr)
	}
	event.
		Str("status", res.Status).
		Dur("duration", res.Duration).
		Bool("patch_applied", res.PatchApplied).
		Msg("benchmark finished")

	return res, runErr
}

func (o *Orchestrator) run(ctx context.Context, req Request, res *Result, stream io.Writer) error {
	if err := o.ensureImage(ctx, res, stream); err != nil {
		return err
	}

	dir, err := o.stageFiles(req)
	if err != nil {
		res.Error = err.Error()
		return err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to remove run directory")
		}
	}()

	spec := sandbox.RunSpec{
		RunID:       res.RunID,
		Image:       res.ImageTag,
		Dir:         dir,
		Workload:    filepath.Join(dir, "workload.py"),
		Limits:      o.limits,
		Security:    o.security,
		PatchPolicy: o.policy,
	}
	if req.Patch != "" {
		spec.Patch = filepath.Join(dir, "patch.diff")
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
	}
	tr, runErr := o.driver.Run(ctx, spec, stream)
	if o.metrics != nil {
		o.metrics.ActiveSessions.Dec()
	}

	if tr == nil {
		tr = sandbox.PartialTranscript(runErr)
	}
	if tr != nil {
		o.applyTranscript(res, tr)
	}

	if runErr != nil {
		res.Error = runErr.Error()
		text := runErr.Error()
		if tr != nil {
			text = tr.Output + "\n" + text
		}
		res.Diagnostics = o.diagnoser.Analyze(text, res.ImageTag)
		return runErr
	}

	res.Diagnostics = o.diagnoser.Analyze(tr.Output, res.ImageTag)
	if res.Ratio == nil {
		res.Error = ExtractionFailed
	}
	return nil
}

func (o *Orchestrator) applyTranscript(res *Result, tr *sandbox.Transcript) {
	res.Transcript = tr.Output
	res.Commands = tr.Commands
	res.DockerCommand = tr.DockerCommand
	res.PatchApplied = tr.PatchApplied
	res.PatchSkipped = tr.PatchSkipped
	res.PatchOutput = tr.PatchOutput

	phases := markers.ExtractPhases(tr.Output)
	res.Before = phases.Before
	res.After = phases.After
	res.BeforeOutput, _ = markers.Segment(tr.Output, markers.TagBefore)
	res.AfterOutput, _ = markers.Segment(tr.Output, markers.TagAfter)
	res.Ratio = Ratio(res.Before, res.After)
}

// Ratio is after.mean / before.mean when both means are present and the
// quotient is finite, nil otherwise.
func Ratio(before, after markers.Record) *float64 {
	if before.Mean == nil || after.Mean == nil || *before.Mean == 0 {
		return nil
	}
	r := *after.Mean / *before.Mean
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return &r
}

func (o *Orchestrator) ensureImage(ctx context.Context, res *Result, stream io.Writer) error {
	ctx, span := o.tracer.StartImage(ctx, res.ImageTag)
	defer span.End()

	ok, err := o.images.Has(ctx, res.ImageTag)
	if err == nil && ok {
		res.DownloadInfo = "Image already exists"
		return nil
	}
	if err != nil {
		log.Debug().Err(err).Str("image", res.ImageTag).Msg("image lookup failed, pulling")
	}

	log.Info().Str("image", res.ImageTag).Msg("pulling image; this may take a long time")
	var progress strings.Builder
	var w io.Writer = &progress
	if stream != nil {
		w = io.MultiWriter(&progress, stream)
	}
	if err := o.images.Pull(ctx, res.ImageTag, o.limits.Platform, w); err != nil {
		if ctx.Err() != nil {
			res.Error = "Benchmark stopped during image pull"
			return fmt.Errorf("%w: image pull: %v", sandbox.ErrCancelled, ctx.Err())
		}
		if o.metrics != nil {
			o.metrics.ImagePulls.WithLabelValues("failed").Inc()
		}
		detail := err.Error()
		res.Error = "Cannot get Docker image: " + detail
		res.Before = markers.Record{Error: strPtr("Image unavailable: " + detail)}
		res.Diagnostics = o.diagnoser.AnalyzeError(detail, res.ImageTag)
		monitor.Fail(span, err)
		return &AvailabilityError{Image: res.ImageTag, Detail: detail, Err: err}
	}
	if o.metrics != nil {
		o.metrics.ImagePulls.WithLabelValues("pulled").Inc()
	}
	res.DownloadInfo = strings.TrimSpace("Image pulled successfully\n" + progress.String())
	return nil
}

// stageFiles writes the workload and patch into a fresh directory unique to
// this run.
func (o *Orchestrator) stageFiles(req Request) (string, error) {
	if o.workRoot != "" {
		if err := os.MkdirAll(o.workRoot, 0750); err != nil {
			return "", fmt.Errorf("creating work root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(o.workRoot, "perfbench-run-")
	if err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}

	// The container may run as another uid; the files are mounted read-only.
	if err := os.WriteFile(filepath.Join(dir, "workload.py"), []byte(req.Workload), 0644); err != nil { // #nosec G306
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("writing workload: %w", err)
	}
	if req.Patch != "" {
		patch := req.Patch
		if !strings.HasSuffix(patch, "\n") {
			patch += "\n"
		}
		if err := os.WriteFile(filepath.Join(dir, "patch.diff"), []byte(patch), 0644); err != nil { // #nosec G306
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("writing patch: %w", err)
		}
	}
	return dir, nil
}

func (o *Orchestrator) validatePayload(req Request) error {
	if strings.TrimSpace(req.Workload) == "" {
		return &ValidationError{Field: "workload_code", Reason: "empty workload"}
	}
	if o.bench.MaxWorkloadBytes > 0 && len(req.Workload) > o.bench.MaxWorkloadBytes {
		return &ValidationError{Field: "workload_code", Reason: fmt.Sprintf("exceeds %d bytes", o.bench.MaxWorkloadBytes)}
	}
	if o.bench.MaxPatchBytes > 0 && len(req.Patch) > o.bench.MaxPatchBytes {
		return &ValidationError{Field: "patch", Reason: fmt.Sprintf("exceeds %d bytes", o.bench.MaxPatchBytes)}
	}
	return nil
}

func (o *Orchestrator) archiveResult(ctx context.Context, res *Result) {
	body, err := json.Marshal(res)
	if err != nil {
		log.Warn().Err(err).Str("run_id", res.RunID).Msg("encoding result for archive failed")
		return
	}
	// The run may have been cancelled; archiving still applies.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	key, err := o.archive.Put(actx, res.RunID, res.StartedAt, body)
	if err != nil {
		log.Warn().Err(err).Str("run_id", res.RunID).Msg("archiving result failed")
		return
	}
	res.ArchiveKey = key
}

func (o *Orchestrator) record(req Request, res *Result) {
	if o.recorder == nil {
		return
	}
	sum := sha256.Sum256([]byte(req.Workload))
	completed := res.StartedAt.Add(res.Duration)
	o.recorder.LogRun(&storage.Run{
		ID:            res.RunID,
		ImageTag:      res.ImageTag,
		InstanceID:    res.InstanceID,
		IsDirectImage: res.IsDirectImage,
		WorkloadHash:  hex.EncodeToString(sum[:]),
		PatchApplied:  res.PatchApplied,
		MeanBefore:    res.Before.Mean,
		StdBefore:     res.Before.Std,
		MeanAfter:     res.After.Mean,
		StdAfter:      res.After.Std,
		Ratio:         res.Ratio,
		Status:        res.Status,
		Error:         res.Error,
		DurationMS:    res.Duration.Milliseconds(),
		ArchiveKey:    res.ArchiveKey,
		RequestIP:     req.RequestIP,
		CreatedAt:     res.StartedAt,
		CompletedAt:   &completed,
	})
}

func statusOf(res *Result, err error) string {
	switch {
	case err == nil && res.Ratio != nil:
		return StatusCompleted
	case err == nil:
		return StatusExtractionFailed
	case IsAvailability(err):
		return StatusUnavailable
	case sandbox.IsCancelled(err):
		return StatusCancelled
	default:
		return StatusError
	}
}

func strPtr(s string) *string { return &s }
