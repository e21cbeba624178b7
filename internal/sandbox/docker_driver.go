package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"mvdan.cc/sh/v3/syntax"

	"patchbench/internal/config"
	"patchbench/internal/markers"
)

const (
	managedLabel   = "perfbench.managed"
	runIDLabel     = "perfbench.run_id"
	containerNamer = "perfbench-"
)

// PatchPolicy decides what a failed `git apply` does to the run.
type PatchPolicy string

const (
	// PatchTolerate records the failure and benchmarks the unpatched tree again.
	PatchTolerate PatchPolicy = "tolerate"
	// PatchStrict aborts the run with ErrPatchFailed.
	PatchStrict PatchPolicy = "strict"
)

// RunSpec describes one benchmark session.
type RunSpec struct {
	RunID       string
	Image       string
	Dir         string // host scratch dir; generated files such as the seccomp profile go here
	Workload    string // host path mounted at /tmp/workload.py
	Patch       string // host path mounted at /tmp/patch.diff; empty skips the apply step
	Limits      ResourceLimits
	Security    SecurityOptions
	PatchPolicy PatchPolicy
}

// Transcript is everything a session printed plus the record of what was sent.
type Transcript struct {
	RunID         string        `json:"run_id"`
	Output        string        `json:"output"`
	Commands      []string      `json:"commands"`
	DockerCommand string        `json:"docker_command"`
	PatchApplied  bool          `json:"patch_applied"`
	PatchSkipped  bool          `json:"patch_skipped"`
	PatchOutput   string        `json:"patch_output,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Driver runs benchmark sessions one at a time.
type Driver interface {
	Run(ctx context.Context, spec RunSpec, stream io.Writer) (*Transcript, error)
	Cancel() bool
	Active() bool
	Close() error
}

// layout is where the session's files live inside the container.
type layout struct {
	shell       string
	entryScript string
	workload    string
	patch       string
	resultDir   string
	applyCmd    string
}

func containerLayout() layout {
	return layout{
		shell:       "/bin/bash",
		entryScript: "/perf.sh",
		workload:    "/tmp/workload.py",
		patch:       "/tmp/patch.diff",
		resultDir:   "/tmp",
		applyCmd:    "git apply",
	}
}

type activeRun struct {
	id        string
	container string
	sess      *session
	cancelled bool
}

// DockerDriver runs each benchmark in a `docker run -it` session driven over a
// pseudo-terminal.
type DockerDriver struct {
	binary       string
	dockerHost   string // resolved DOCKER_HOST (e.g. from Docker context)
	readyTimeout time.Duration
	stepTimeout  time.Duration
	layout       layout
	spawn        func(args []string) *exec.Cmd

	mu      sync.Mutex
	current *activeRun
	closed  bool
	wg      sync.WaitGroup

	api           *client.Client // Engine API client for orphan cleanup; nil disables it
	cancelCleanup context.CancelFunc
}

func NewDockerDriver(cfg config.SandboxConfig) *DockerDriver {
	binary := cfg.DockerBinary
	if binary == "" {
		binary = "docker"
	}
	d := &DockerDriver{
		binary:       binary,
		dockerHost:   resolveDockerHost(binary),
		readyTimeout: cfg.ReadyTimeout,
		stepTimeout:  cfg.StepTimeout,
		layout:       containerLayout(),
	}
	d.spawn = func(args []string) *exec.Cmd {
		return exec.Command(d.binary, args...) // #nosec G204 -- args built internally by buildDockerArgs
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if d.dockerHost != "" {
		opts = append(opts, client.WithHost(d.dockerHost))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		log.Warn().Err(err).Msg("docker API client unavailable, orphan cleanup disabled")
	} else {
		d.api = api
		ctx, cancel := context.WithCancel(context.Background())
		d.cancelCleanup = cancel
		go d.orphanCleanupLoop(ctx, cfg.CleanupInterval)
	}

	return d
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost(binary string) string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command(binary, "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output() // #nosec G204 -- fixed args
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func containerName(runID string) string {
	return containerNamer + runID
}

// Run executes the benchmark protocol in a fresh container:
// check /perf.sh, make it executable, run it, apply the patch, run it again,
// then print both result files between PERF_START/PERF_END markers.
// On failure the returned *DriverError carries the partial transcript.
func (d *DockerDriver) Run(ctx context.Context, spec RunSpec, stream io.Writer) (*Transcript, error) {
	if spec.RunID == "" {
		spec.RunID = uuid.New().String()
	}
	if spec.PatchPolicy == "" {
		spec.PatchPolicy = PatchTolerate
	}

	logger := log.With().
		Str("run_id", spec.RunID).
		Str("image", spec.Image).
		Logger()

	if err := d.validateSpec(spec); err != nil {
		return nil, &DriverError{RunID: spec.RunID, Op: "validate", Err: err}
	}

	secArgs, err := spec.Security.Prepare(spec.Dir)
	if err != nil {
		return nil, &DriverError{RunID: spec.RunID, Op: "security_options", Err: err}
	}
	args := d.buildDockerArgs(spec, secArgs)

	run := &activeRun{id: spec.RunID, container: containerName(spec.RunID)}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &DriverError{RunID: spec.RunID, Op: "acquire", Err: ErrCancelled}
	}
	if d.current != nil {
		d.mu.Unlock()
		return nil, &DriverError{RunID: spec.RunID, Op: "acquire", Err: ErrSessionActive}
	}
	d.current = run
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()
	defer d.release(run)

	start := time.Now()
	tr := &Transcript{
		RunID:         spec.RunID,
		DockerCommand: shellJoin(append([]string{d.binary}, args...)),
	}
	tr.Commands = append(tr.Commands, tr.DockerCommand)

	cmd := d.spawn(args)
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	logger.Info().Msg("starting benchmark session")

	sess, err := startSession(cmd, stream)
	if err != nil {
		return nil, &DriverError{RunID: spec.RunID, Op: "start", Err: err}
	}
	d.mu.Lock()
	run.sess = sess
	cancelled := run.cancelled
	d.mu.Unlock()
	if cancelled {
		sess.kill()
	}

	fail := func(op string, err error) (*Transcript, error) {
		tr.Output = sess.transcript()
		tr.Duration = time.Since(start)
		logger.Warn().Err(err).Str("step", op).Msg("benchmark session failed")
		return tr, &DriverError{RunID: spec.RunID, Op: op, Transcript: tr, Err: err}
	}

	if err := sess.waitReady(ctx, d.readyTimeout); err != nil {
		return fail("ready", err)
	}

	entry := quote(d.layout.entryScript)

	res, err := d.step(ctx, sess, tr, "ls -la "+entry, d.stepTimeout)
	if err != nil {
		return fail("check_entry", err)
	}
	if res.ExitCode != 0 || strings.Contains(res.Output, "No such file") {
		return fail("check_entry", ErrEntryScriptMissing)
	}

	if res, err = d.step(ctx, sess, tr, "chmod +x "+entry, d.stepTimeout); err != nil {
		return fail("chmod_entry", err)
	} else if res.ExitCode != 0 {
		logger.Warn().Int("exit_code", res.ExitCode).Msg("chmod on entry script failed, continuing")
	}

	if _, err := d.step(ctx, sess, tr, d.perfCommand(markers.TagBefore), 0); err != nil {
		return fail("perf_before", err)
	}

	if spec.Patch == "" {
		tr.PatchSkipped = true
	} else {
		res, err := d.step(ctx, sess, tr, d.layout.applyCmd+" "+quote(d.layout.patch), d.stepTimeout)
		if err != nil {
			return fail("apply_patch", err)
		}
		tr.PatchApplied = res.ExitCode == 0
		if !tr.PatchApplied {
			tr.PatchOutput = res.Output
			if spec.PatchPolicy == PatchStrict {
				return fail("apply_patch", fmt.Errorf("%w: exit %d: %s", ErrPatchFailed, res.ExitCode, res.Output))
			}
			logger.Warn().Int("exit_code", res.ExitCode).Msg("patch did not apply, benchmarking unpatched tree")
		}
	}

	if _, err := d.step(ctx, sess, tr, d.perfCommand(markers.TagAfter), 0); err != nil {
		return fail("perf_after", err)
	}

	for _, tag := range []string{markers.TagBefore, markers.TagAfter} {
		if _, err := d.step(ctx, sess, tr, d.captureCommand(tag), d.stepTimeout); err != nil {
			return fail("capture_"+strings.ToLower(tag), err)
		}
	}

	sess.exit(2 * time.Second)
	tr.Output = sess.transcript()
	tr.Duration = time.Since(start)

	logger.Info().
		Dur("duration", tr.Duration).
		Bool("patch_applied", tr.PatchApplied).
		Msg("benchmark session completed")

	return tr, nil
}

func (d *DockerDriver) step(ctx context.Context, sess *session, tr *Transcript, command string, timeout time.Duration) (stepResult, error) {
	if err := checkSyntax(command); err != nil {
		return stepResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	tr.Commands = append(tr.Commands, command)
	return sess.run(ctx, command, timeout)
}

func (d *DockerDriver) resultFile(tag string) string {
	return d.layout.resultDir + "/result_" + strings.ToLower(tag) + ".txt"
}

func (d *DockerDriver) perfCommand(tag string) string {
	return fmt.Sprintf("%s > %s 2>&1", quote(d.layout.entryScript), quote(d.resultFile(tag)))
}

// captureCommand prints a result file between phase markers. The marker words
// are passed as separate printf arguments so the command echo never contains
// a complete marker.
func (d *DockerDriver) captureCommand(tag string) string {
	return fmt.Sprintf("printf '%%s:%%s\\n' PERF_START %s; cat %s; printf '\\n%%s:%%s\\n' PERF_END %s",
		tag, quote(d.resultFile(tag)), tag)
}

func (d *DockerDriver) buildDockerArgs(spec RunSpec, secArgs []string) []string {
	args := []string{
		"run", "-it", "--rm",
		"--name", containerName(spec.RunID),
		"--label", managedLabel + "=true",
		"--label", runIDLabel + "=" + spec.RunID,
	}
	args = append(args, spec.Limits.Args()...)
	args = append(args, secArgs...)
	args = append(args, "--mount", fmt.Sprintf("type=bind,src=%s,dst=%s,readonly", spec.Workload, d.layout.workload))
	if spec.Patch != "" {
		args = append(args, "--mount", fmt.Sprintf("type=bind,src=%s,dst=%s,readonly", spec.Patch, d.layout.patch))
	}
	args = append(args, spec.Image, d.layout.shell)
	return args
}

func (d *DockerDriver) validateSpec(spec RunSpec) error {
	if spec.Image == "" {
		return fmt.Errorf("%w: image is empty", ErrInvalidRequest)
	}
	if strings.HasPrefix(spec.Image, "-") {
		return fmt.Errorf("%w: image %q looks like a flag", ErrInvalidRequest, spec.Image)
	}
	if spec.Dir == "" {
		return fmt.Errorf("%w: scratch dir is empty", ErrInvalidRequest)
	}
	mounts := []string{spec.Workload}
	if spec.Patch != "" {
		mounts = append(mounts, spec.Patch)
	}
	for _, p := range mounts {
		if p == "" {
			return fmt.Errorf("%w: workload path is empty", ErrInvalidRequest)
		}
		// --mount is comma separated; a comma in src would inject options.
		if strings.ContainsAny(p, ",\n") {
			return fmt.Errorf("%w: mount path %q contains a comma or newline", ErrInvalidRequest, p)
		}
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return fmt.Errorf("%w: %s is not a readable file", ErrInvalidRequest, p)
		}
	}
	switch spec.PatchPolicy {
	case PatchTolerate, PatchStrict:
	default:
		return fmt.Errorf("%w: unknown patch policy %q", ErrInvalidRequest, spec.PatchPolicy)
	}
	return spec.Limits.Validate()
}

// release tears down the session and its container and frees the run slot.
func (d *DockerDriver) release(run *activeRun) {
	if run.sess != nil {
		run.sess.close()
	}
	d.removeContainer(run.container)

	d.mu.Lock()
	if d.current == run {
		d.current = nil
	}
	d.mu.Unlock()
}

// removeContainer force-removes a session container. Killing the docker CLI
// does not stop the container it attached to.
func (d *DockerDriver) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, "rm", "-f", name) // #nosec G204 -- name is generated
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	if out, err := cmd.CombinedOutput(); err != nil && !strings.Contains(string(out), "No such container") {
		log.Debug().Err(err).Str("container", name).Msg("container removal failed")
	}
}

// Cancel stops the in-flight session, if any. It returns false when idle.
func (d *DockerDriver) Cancel() bool {
	d.mu.Lock()
	run := d.current
	if run == nil {
		d.mu.Unlock()
		return false
	}
	run.cancelled = true
	sess := run.sess
	d.mu.Unlock()

	log.Info().Str("run_id", run.id).Msg("cancelling benchmark session")
	if sess != nil {
		sess.kill()
	}
	d.removeContainer(run.container)
	return true
}

func (d *DockerDriver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

func (d *DockerDriver) activeContainer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return ""
	}
	return d.current.container
}

func (d *DockerDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	d.Cancel()

	// Wait up to 30s for the active session to tear down.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("benchmark sessions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("timed out waiting for benchmark session to drain")
	}

	if d.api != nil {
		return d.api.Close()
	}
	return nil
}

// Ping reports whether the Docker daemon answers.
func (d *DockerDriver) Ping(ctx context.Context) error {
	if d.api != nil {
		_, err := d.api.Ping(ctx)
		return err
	}
	cmd := exec.CommandContext(ctx, d.binary, "info") // #nosec G204 -- fixed args
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd.Run()
}

func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return q
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	return strings.Join(quoted, " ")
}

// checkSyntax rejects a command bash would not parse before it reaches the
// terminal, where a dangling quote would swallow the sentinel.
func checkSyntax(command string) error {
	_, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	return err
}
