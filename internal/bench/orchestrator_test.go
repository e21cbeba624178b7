package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchbench/internal/config"
	"patchbench/internal/markers"
	"patchbench/internal/monitor"
	"patchbench/internal/sandbox"
	"patchbench/internal/storage"
)

type fakeDriver struct {
	mu       sync.Mutex
	calls    int
	spec     sandbox.RunSpec
	workload string
	patch    string
	active   bool
	run      func(ctx context.Context, spec sandbox.RunSpec) (*sandbox.Transcript, error)
	cancel   chan struct{}
}

func (d *fakeDriver) Run(ctx context.Context, spec sandbox.RunSpec, _ io.Writer) (*sandbox.Transcript, error) {
	d.mu.Lock()
	d.calls++
	d.spec = spec
	d.active = true
	if b, err := os.ReadFile(spec.Workload); err == nil {
		d.workload = string(b)
	}
	if spec.Patch != "" {
		if b, err := os.ReadFile(spec.Patch); err == nil {
			d.patch = string(b)
		}
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.active = false
		d.mu.Unlock()
	}()
	return d.run(ctx, spec)
}

func (d *fakeDriver) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false
	}
	if d.cancel != nil {
		close(d.cancel)
		d.cancel = nil
	}
	return true
}

func (d *fakeDriver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *fakeDriver) Close() error { return nil }

type fakeImages struct {
	present bool
	pullErr error
	pulled  []string
	hasHits int
}

func (s *fakeImages) Has(_ context.Context, _ string) (bool, error) {
	s.hasHits++
	return s.present, nil
}

func (s *fakeImages) Pull(_ context.Context, ref, _ string, progress io.Writer) error {
	s.pulled = append(s.pulled, ref)
	if s.pullErr != nil {
		return s.pullErr
	}
	fmt.Fprintln(progress, "Status: Downloaded newer image for "+ref)
	return nil
}

func (s *fakeImages) Close() error { return nil }

type fakeRecorder struct {
	runs []*storage.Run
}

func (r *fakeRecorder) LogRun(run *storage.Run) { r.runs = append(r.runs, run) }

func phaseOutput(tag string, mean, std float64) string {
	return fmt.Sprintf("PERF_START:%s\r\n+ echo PERF_START:\r\nPERF_START:\r\n+ python /tmp/workload.py\r\nMean: %g\r\nStd Dev: %g\r\nPERF_END:\r\n+ echo PERF_END:\r\n\r\nPERF_END:%s\r\n",
		tag, mean, std, tag)
}

func transcriptWith(output string) func(context.Context, sandbox.RunSpec) (*sandbox.Transcript, error) {
	return func(_ context.Context, spec sandbox.RunSpec) (*sandbox.Transcript, error) {
		return &sandbox.Transcript{
			RunID:         spec.RunID,
			Output:        output,
			Commands:      []string{"docker run -it --rm " + spec.Image + " /bin/bash", "ls -la /perf.sh"},
			DockerCommand: "docker run -it --rm " + spec.Image + " /bin/bash",
			PatchApplied:  spec.Patch != "",
			PatchSkipped:  spec.Patch == "",
		}, nil
	}
}

func newTestOrchestrator(t *testing.T, d *fakeDriver, images *fakeImages) (*Orchestrator, string, *monitor.Metrics, *fakeRecorder) {
	t.Helper()
	cfg := config.DefaultConfig()
	workRoot := t.TempDir()
	cfg.Sandbox.WorkRoot = workRoot

	m := monitor.NewMetrics()
	rec := &fakeRecorder{}
	o := New(Options{
		Driver:   d,
		Images:   images,
		Bench:    cfg.Bench,
		Sandbox:  cfg.Sandbox,
		Metrics:  m,
		Recorder: rec,
	})
	return o, workRoot, m, rec
}

func assertWorkRootEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "run directory must be removed")
}

func TestRun_ComputesRatio(t *testing.T) {
	d := &fakeDriver{run: transcriptWith(phaseOutput("BEFORE", 10, 0.5) + phaseOutput("AFTER", 8, 0.25))}
	images := &fakeImages{present: true}
	o, workRoot, m, rec := newTestOrchestrator(t, d, images)

	res, err := o.Run(context.Background(), Request{
		Target:   "https://github.com/org/repo/pull/42",
		Workload: "print('hi')\n",
		Patch:    "diff --git a/x b/x",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "sweperf/sweperf_annotate:org__repo-42", res.ImageTag)
	assert.Equal(t, "org__repo-42", res.InstanceID)
	assert.False(t, res.IsDirectImage)
	require.NotNil(t, res.Ratio)
	assert.Equal(t, 8.0/10.0, *res.Ratio)
	assert.Equal(t, 10.0, *res.Before.Mean)
	assert.Equal(t, 0.25, *res.After.Std)
	assert.Empty(t, res.Error)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.PatchApplied)
	assert.Equal(t, "Image already exists", res.DownloadInfo)
	assert.Contains(t, res.BeforeOutput, "Mean: 10")

	assert.Equal(t, "print('hi')\n", d.workload)
	assert.Equal(t, "diff --git a/x b/x\n", d.patch, "patch gets a trailing newline")
	assert.Equal(t, sandbox.DefaultLimits(), d.spec.Limits)
	assert.Empty(t, images.pulled)
	assertWorkRootEmpty(t, workRoot)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(StatusCompleted)))
	require.Len(t, rec.runs, 1)
	assert.Equal(t, res.RunID, rec.runs[0].ID)
	assert.Equal(t, StatusCompleted, rec.runs[0].Status)
	assert.Len(t, rec.runs[0].WorkloadHash, 64)
}

func TestRun_NoPatch(t *testing.T) {
	d := &fakeDriver{run: transcriptWith(phaseOutput("BEFORE", 3, 0.1) + phaseOutput("AFTER", 3, 0.1))}
	o, _, _, _ := newTestOrchestrator(t, d, &fakeImages{present: true})

	res, err := o.Run(context.Background(), Request{Target: "org__repo-7", Workload: "pass"}, nil)
	require.NoError(t, err)
	assert.Empty(t, d.spec.Patch)
	assert.True(t, res.PatchSkipped)
	assert.True(t, res.IsDirectImage)
	assert.Equal(t, 1.0, *res.Ratio)
}

func TestRun_ExtractionFailureIsNotAnError(t *testing.T) {
	// AFTER never printed its end marker.
	out := phaseOutput("BEFORE", 12.5, 0.3) + "PERF_START:AFTER\r\nMean: 9\r\nStd Dev: 1\r\n"
	d := &fakeDriver{run: transcriptWith(out)}
	o, workRoot, m, _ := newTestOrchestrator(t, d, &fakeImages{present: true})

	res, err := o.Run(context.Background(), Request{Target: "org__repo-1", Workload: "pass"}, nil)
	require.NoError(t, err)

	assert.Nil(t, res.Ratio)
	assert.Equal(t, ExtractionFailed, res.Error)
	assert.Equal(t, StatusExtractionFailed, res.Status)
	assert.Equal(t, 12.5, *res.Before.Mean)
	assert.Equal(t, markers.Record{}, res.After)
	assertWorkRootEmpty(t, workRoot)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(StatusExtractionFailed)))
}

func TestRun_ValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"bad url", Request{Target: "https://gitlab.com/org/repo/merge_requests/1", Workload: "pass"}},
		{"empty target", Request{Target: "  ", Workload: "pass"}},
		{"empty workload", Request{Target: "org__repo-1", Workload: " \n"}},
		{"oversized workload", Request{Target: "org__repo-1", Workload: string(make([]byte, 2<<20))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDriver{run: transcriptWith("")}
			images := &fakeImages{present: true}
			o, workRoot, _, rec := newTestOrchestrator(t, d, images)

			res, err := o.Run(context.Background(), tt.req, nil)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))

			assert.Zero(t, images.hasHits)
			assert.Zero(t, d.calls)
			assert.Empty(t, rec.runs)
			assertWorkRootEmpty(t, workRoot)
		})
	}
}

func TestRun_PullsMissingImage(t *testing.T) {
	d := &fakeDriver{run: transcriptWith(phaseOutput("BEFORE", 2, 0) + phaseOutput("AFTER", 1, 0))}
	images := &fakeImages{present: false}
	o, _, m, _ := newTestOrchestrator(t, d, images)

	res, err := o.Run(context.Background(), Request{Target: "org__repo-2", Workload: "pass"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sweperf/sweperf_annotate:org__repo-2"}, images.pulled)
	assert.Contains(t, res.DownloadInfo, "Image pulled successfully")
	assert.Equal(t, 0.5, *res.Ratio)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImagePulls.WithLabelValues("pulled")))
}

func TestRun_ImageUnavailable(t *testing.T) {
	d := &fakeDriver{run: transcriptWith("")}
	images := &fakeImages{pullErr: fmt.Errorf("%w: manifest unknown", sandbox.ErrImageUnavailable)}
	o, workRoot, _, rec := newTestOrchestrator(t, d, images)

	res, err := o.Run(context.Background(), Request{Target: "org__repo-3", Workload: "pass"}, nil)
	require.Error(t, err)
	assert.True(t, IsAvailability(err))
	assert.ErrorIs(t, err, sandbox.ErrImageUnavailable)

	require.NotNil(t, res)
	assert.Zero(t, d.calls, "no session without an image")
	assert.Contains(t, res.Error, "Cannot get Docker image: ")
	require.NotNil(t, res.Before.Error)
	assert.Contains(t, *res.Before.Error, "Image unavailable")
	assert.Nil(t, res.Ratio)
	assert.Equal(t, StatusUnavailable, res.Status)
	assertWorkRootEmpty(t, workRoot)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, StatusUnavailable, rec.runs[0].Status)
}

func TestRun_DriverErrorKeepsPartialTranscript(t *testing.T) {
	partial := "$ ls -la /perf.sh\r\nls: cannot access '/perf.sh': No such file or directory\r\n"
	d := &fakeDriver{run: func(_ context.Context, spec sandbox.RunSpec) (*sandbox.Transcript, error) {
		tr := &sandbox.Transcript{RunID: spec.RunID, Output: partial, Commands: []string{"docker run", "ls -la /perf.sh"}}
		return tr, &sandbox.DriverError{RunID: spec.RunID, Op: "check_entry", Transcript: tr, Err: sandbox.ErrEntryScriptMissing}
	}}
	o, workRoot, _, _ := newTestOrchestrator(t, d, &fakeImages{present: true})

	res, err := o.Run(context.Background(), Request{Target: "org__repo-4", Workload: "pass"}, nil)
	require.ErrorIs(t, err, sandbox.ErrEntryScriptMissing)
	require.NotNil(t, res)

	assert.Equal(t, partial, res.Transcript)
	assert.Equal(t, []string{"docker run", "ls -la /perf.sh"}, res.Commands)
	assert.Equal(t, StatusError, res.Status)
	assert.NotEmpty(t, res.Error)
	assertWorkRootEmpty(t, workRoot)

	var patterns []string
	for _, diag := range res.Diagnostics {
		patterns = append(patterns, diag.Pattern)
	}
	assert.Contains(t, patterns, "entry_script_missing")
}

func TestStop_Idle(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, &fakeDriver{}, &fakeImages{present: true})

	st := o.Stop()
	assert.Equal(t, StopStatus{Status: "error", Message: "No benchmark currently running"}, st)
	assert.False(t, o.Running())
}

func TestRun_SingleFlightAndStop(t *testing.T) {
	started := make(chan struct{})
	d := &fakeDriver{cancel: make(chan struct{})}
	cancelCh := d.cancel
	d.run = func(ctx context.Context, spec sandbox.RunSpec) (*sandbox.Transcript, error) {
		close(started)
		select {
		case <-cancelCh:
		case <-ctx.Done():
		}
		tr := &sandbox.Transcript{RunID: spec.RunID, Output: "PERF_START:BEFORE\r\npartial"}
		return tr, &sandbox.DriverError{RunID: spec.RunID, Op: "perf_before", Transcript: tr, Err: sandbox.ErrCancelled}
	}
	o, workRoot, _, _ := newTestOrchestrator(t, d, &fakeImages{present: true})

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Run(context.Background(), Request{Target: "org__repo-5", Workload: "pass"}, nil)
		done <- outcome{res, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}
	assert.True(t, o.Running())

	_, err := o.Run(context.Background(), Request{Target: "org__repo-6", Workload: "pass"}, nil)
	assert.ErrorIs(t, err, ErrBusy)

	st := o.Stop()
	assert.Equal(t, "success", st.Status)
	assert.Equal(t, "Benchmark stopped successfully", st.Message)

	select {
	case out := <-done:
		assert.True(t, sandbox.IsCancelled(out.err))
		require.NotNil(t, out.res)
		assert.Equal(t, StatusCancelled, out.res.Status)
		assert.Contains(t, out.res.Transcript, "partial")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after Stop")
	}

	assert.False(t, o.Running())
	assertWorkRootEmpty(t, workRoot)
}

func TestRatio(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name   string
		before markers.Record
		after  markers.Record
		want   *float64
	}{
		{"both present", markers.Record{Mean: f(12.5), Std: f(0.3)}, markers.Record{Mean: f(10), Std: f(0.2)}, f(10 / 12.5)},
		{"before missing", markers.Record{}, markers.Record{Mean: f(10), Std: f(0.2)}, nil},
		{"after missing", markers.Record{Mean: f(10), Std: f(0.2)}, markers.Record{}, nil},
		{"zero before", markers.Record{Mean: f(0), Std: f(0)}, markers.Record{Mean: f(1), Std: f(0)}, nil},
		{"zero after", markers.Record{Mean: f(4), Std: f(0)}, markers.Record{Mean: f(0), Std: f(0)}, f(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ratio(tt.before, tt.after)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}
