package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"patchbench/internal/config"
	"patchbench/internal/monitor"
	"patchbench/internal/storage"
)

// State is the terminal state of a submission.
type State string

const (
	StateBelowThreshold State = "recorded_below_threshold"
	StateNeedsToken     State = "needs_token"
	StateAwaitingDevice State = "awaiting_device_auth"
	StateRateLimited    State = "rate_limited"
	StateDuplicate      State = "duplicate"
	StateUploaded       State = "uploaded"
	StateFailed         State = "failed"
)

const (
	msgAwaiting        = "Please open the verification URL and enter the code, then click Submit & Upload again."
	msgRateLimitCode   = "GitHub rate-limited. Please use the existing code, wait a minute, then click Submit & Upload again."
	msgRateLimited     = "GitHub rate-limited. Please wait 1-5 minutes and try again."
	msgNeedToken       = "GitHub token required. Please create a PAT with repo scope and POST it to /api/upload/token."
	msgDuplicate       = "Identical submission exists today; skipped."
	msgMissingInstance = "instanceId missing; cannot determine upload path."
)

// Outcome is what a submission or authorization attempt produced. HTTPStatus
// is the status an API handler should answer with.
type Outcome struct {
	State           State  `json:"state"`
	OK              bool   `json:"ok"`
	Uploaded        bool   `json:"uploaded"`
	PRURL           string `json:"prUrl,omitempty"`
	Path            string `json:"path,omitempty"`
	NeedToken       bool   `json:"needToken,omitempty"`
	NeedDevice      bool   `json:"needDevice,omitempty"`
	VerificationURI string `json:"verifyUri,omitempty"`
	UserCode        string `json:"userCode,omitempty"`
	RateLimited     bool   `json:"rateLimited,omitempty"`
	Message         string `json:"message"`
	Detail          string `json:"detail,omitempty"`
	RecordID        string `json:"recordId,omitempty"`
	HTTPStatus      int    `json:"-"`
}

func failed(status int, msg string) Outcome {
	return Outcome{State: StateFailed, Message: msg, HTTPStatus: status}
}

// SubmissionRecorder receives every submission outcome, typically the
// buffered Postgres audit writer.
type SubmissionRecorder interface {
	LogSubmission(sub *storage.Submission)
}

// RepoFactory opens the dataset repository with an access token.
type RepoFactory func(ctx context.Context, token string) (Repository, error)

type Options struct {
	Publish     config.PublishConfig
	ImagePrefix string
	Log         *storage.SubmissionLog
	Recorder    SubmissionRecorder
	Metrics     *monitor.Metrics
	Tracer      *monitor.Tracer
	Repo        RepoFactory
	Now         func() time.Time
}

// Gatekeeper records every submission locally and publishes the ones that
// beat the improvement threshold to the dataset repository as a pull request.
type Gatekeeper struct {
	cfg         config.PublishConfig
	imagePrefix string
	log         *storage.SubmissionLog
	recorder    SubmissionRecorder
	metrics     *monitor.Metrics
	tracer      *monitor.Tracer
	newRepo     RepoFactory
	now         func() time.Time

	flow     *DeviceFlow
	tokens   *TokenStore
	sessions *SessionStore

	// mu serializes token and device session transitions.
	mu          sync.Mutex
	lastRequest time.Time
	// pollHold suppresses token polls after the provider throttled one.
	pollHold    time.Time
}

func NewGatekeeper(opts Options) *Gatekeeper {
	cfg := opts.Publish
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Minute
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = time.Minute
	}

	g := &Gatekeeper{
		cfg:         cfg,
		imagePrefix: opts.ImagePrefix,
		log:         opts.Log,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		newRepo:     opts.Repo,
		now:         opts.Now,
		tokens:      NewTokenStore(filepath.Join(cfg.StateDir, "github_token")),
		sessions:    NewSessionStore(filepath.Join(cfg.StateDir, "device_flow.json")),
	}
	if cfg.DeviceFlowEnabled() {
		g.flow = NewDeviceFlow(cfg.ClientID, cfg.ClientSecret, cfg.Scope, cfg.AuthBaseURL, cfg.HTTPTimeout)
	}
	if g.log == nil {
		g.log = storage.NewSubmissionLog(filepath.Join(cfg.StateDir, "submissions.jsonl"))
	}
	if g.tracer == nil {
		g.tracer = monitor.NewTracer()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newRepo == nil {
		g.newRepo = func(ctx context.Context, token string) (Repository, error) {
			return NewGitHubRepository(ctx, cfg.DataRepo, token, cfg.APIBaseURL, cfg.HTTPTimeout, opts.Metrics)
		}
	}
	return g
}

// DeviceFlowEnabled reports whether OAuth device authorization is available.
func (g *Gatekeeper) DeviceFlowEnabled() bool { return g.flow != nil }

// HasToken reports whether an access token is stored.
func (g *Gatekeeper) HasToken() bool { return g.tokens.Load() != "" }

// SaveToken stores a personal access token supplied out of band.
func (g *Gatekeeper) SaveToken(token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens.Save(token)
}

// Submit records sub and, when it beats the threshold and a token is
// available, publishes it. Every problem is reported in the Outcome.
func (g *Gatekeeper) Submit(ctx context.Context, sub Submission) (out Outcome) {
	now := g.now()
	rec := buildRecord(sub, g.imagePrefix, now)

	ctx, span := g.tracer.StartSubmission(ctx, rec.InstanceID, rec.Image)
	defer span.End()

	var fp string
	defer func() {
		out.RecordID = rec.ID
		var failure string
		if out.State == StateFailed {
			failure = out.Message
		}
		monitor.FinishSubmission(span, string(out.State), failure)
		g.finish(rec, fp, out, now)
	}()

	if err := g.log.Append(rec); err != nil {
		return failed(http.StatusInternalServerError, fmt.Sprintf("Recording submission failed: %v", err))
	}

	if rec.Improvement == nil || *rec.Improvement <= g.cfg.Threshold {
		return Outcome{
			State:      StateBelowThreshold,
			OK:         true,
			Message:    fmt.Sprintf("Thanks! Recorded locally (improvement ≤ %g%%, not uploaded).", g.cfg.Threshold),
			HTTPStatus: http.StatusOK,
		}
	}

	token, pending := g.ensureToken(ctx, now)
	if pending != nil {
		return *pending
	}
	return g.upload(ctx, token, rec, &fp)
}

func (g *Gatekeeper) finish(rec *storage.SubmissionRecord, fp string, out Outcome, now time.Time) {
	if g.metrics != nil {
		g.metrics.RecordSubmission(string(out.State))
	}
	if g.recorder != nil {
		g.recorder.LogSubmission(&storage.Submission{
			ID:          rec.ID,
			InstanceID:  rec.InstanceID,
			Image:       rec.Image,
			Improvement: rec.Improvement,
			Fingerprint: fp,
			State:       string(out.State),
			PRURL:       out.PRURL,
			Path:        out.Path,
			Message:     out.Message,
			CreatedAt:   now.UTC(),
		})
	}

	ev := log.Info()
	if out.State == StateFailed {
		ev = log.Warn().Str("detail", out.Detail)
	}
	ev.Str("id", rec.ID).
		Str("instance", rec.InstanceID).
		Str("state", string(out.State)).
		Str("path", out.Path).
		Str("pr", out.PRURL).
		Msg(out.Message)
}

// ensureToken returns a stored token, or the outcome telling the caller how
// to obtain one.
func (g *Gatekeeper) ensureToken(ctx context.Context, now time.Time) (string, *Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if token := g.tokens.Load(); token != "" {
		return token, nil
	}

	if g.flow == nil {
		return "", &Outcome{
			State:      StateNeedsToken,
			OK:         true,
			NeedToken:  true,
			Message:    msgNeedToken,
			HTTPStatus: http.StatusOK,
		}
	}

	if sess := g.sessions.Load(); sess != nil {
		if now.Before(g.pollHold) {
			g.recordDeviceFlow("poll", "cooldown")
			o := rateLimited(sess)
			return "", &o
		}
		res, err := g.flow.Poll(ctx, sess.DeviceCode)
		if errors.Is(err, ErrRateLimited) {
			// The session stays; its code is still what the user must enter.
			g.recordDeviceFlow("poll", "rate_limited")
			g.pollHold = now.Add(g.cfg.RetryCooldown)
			log.Warn().Err(err).Msg("device token poll rate limited")
			o := rateLimited(sess)
			return "", &o
		}
		if err != nil {
			g.recordDeviceFlow("poll", "error")
			o := failed(http.StatusBadGateway, fmt.Sprintf("Device token polling failed: %v", err))
			o.NeedDevice = true
			o.VerificationURI = sess.VerificationURI
			o.UserCode = sess.UserCode
			return "", &o
		}
		g.recordDeviceFlow("poll", res.Status)

		switch res.Status {
		case PollGranted:
			if err := g.tokens.Save(res.AccessToken); err != nil {
				o := failed(http.StatusInternalServerError, err.Error())
				return "", &o
			}
			g.sessions.Delete()
			log.Info().Msg("device authorization granted")
			return res.AccessToken, nil
		case PollExpired, PollDenied:
			log.Info().Str("status", res.Status).Msg("discarding device session")
			g.sessions.Delete()
		}
	}

	o := g.authorizeLocked(ctx, now)
	return "", &o
}

// StartDeviceAuth begins device authorization, or returns the pending code
// when one was issued recently.
func (g *Gatekeeper) StartDeviceAuth(ctx context.Context) Outcome {
	if g.flow == nil {
		return Outcome{
			State:      StateNeedsToken,
			NeedToken:  true,
			Message:    "GitHub token required. Configure device flow secrets or use /api/upload/token.",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authorizeLocked(ctx, g.now())
}

func awaiting(sess *DeviceSession) Outcome {
	return Outcome{
		State:           StateAwaitingDevice,
		OK:              true,
		NeedDevice:      true,
		VerificationURI: sess.VerificationURI,
		UserCode:        sess.UserCode,
		Message:         msgAwaiting,
		HTTPStatus:      http.StatusOK,
	}
}

func rateLimited(sess *DeviceSession) Outcome {
	if sess != nil && sess.UserCode != "" {
		return Outcome{
			State:           StateRateLimited,
			OK:              true,
			NeedDevice:      true,
			RateLimited:     true,
			VerificationURI: sess.VerificationURI,
			UserCode:        sess.UserCode,
			Message:         msgRateLimitCode,
			HTTPStatus:      http.StatusOK,
		}
	}
	return Outcome{
		State:       StateRateLimited,
		RateLimited: true,
		Message:     msgRateLimited,
		HTTPStatus:  http.StatusTooManyRequests,
	}
}

// authorizeLocked must be called with g.mu held.
func (g *Gatekeeper) authorizeLocked(ctx context.Context, now time.Time) Outcome {
	sess := g.sessions.Load()
	if sess != nil && sess.UserCode != "" && sess.Age(now) < g.cfg.SessionTTL {
		return awaiting(sess)
	}
	if !g.lastRequest.IsZero() && now.Sub(g.lastRequest) < g.cfg.RetryCooldown {
		g.recordDeviceFlow("device_code", "cooldown")
		return rateLimited(sess)
	}

	g.lastRequest = now
	fresh, err := g.flow.Start(ctx, now)
	switch {
	case errors.Is(err, ErrRateLimited):
		g.recordDeviceFlow("device_code", "rate_limited")
		log.Warn().Msg("device code request rate limited")
		return rateLimited(sess)
	case err != nil:
		g.recordDeviceFlow("device_code", "error")
		return failed(http.StatusInternalServerError, fmt.Sprintf("Device flow init failed: %v", err))
	}
	g.recordDeviceFlow("device_code", "issued")

	if err := g.sessions.Save(fresh); err != nil {
		return failed(http.StatusInternalServerError, err.Error())
	}
	log.Info().Str("user_code", fresh.UserCode).Str("verify_uri", fresh.VerificationURI).Msg("device authorization started")
	return awaiting(fresh)
}

func (g *Gatekeeper) recordDeviceFlow(kind, result string) {
	if g.metrics != nil {
		g.metrics.RecordDeviceFlow(kind, result)
	}
}

func providerFailure(err error) Outcome {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.RateLimited {
			o := rateLimited(nil)
			o.Detail = pe.Message
			return o
		}
		return Outcome{State: StateFailed, Message: fmt.Sprintf("Upload failed: %s", pe.Message), Detail: pe.Error(), HTTPStatus: http.StatusBadGateway}
	}
	return failed(http.StatusBadGateway, fmt.Sprintf("Upload failed: %v", err))
}

func isRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.RateLimited
}

// upload publishes rec on its own branch and opens (or reuses) the pull
// request for it. Each step tolerates a concurrent writer having done it.
func (g *Gatekeeper) upload(ctx context.Context, token string, rec *storage.SubmissionRecord, fpOut *string) Outcome {
	if rec.InstanceID == "" {
		return failed(http.StatusBadRequest, msgMissingInstance)
	}
	fp, err := Fingerprint(rec)
	if err != nil {
		return failed(http.StatusBadRequest, fmt.Sprintf("Cannot fingerprint submission: %v", err))
	}
	*fpOut = fp
	loc := locate(g.cfg.DataPath, rec.InstanceID, fp, rec.TS)

	repo, err := g.newRepo(ctx, token)
	if err != nil {
		return failed(http.StatusInternalServerError, err.Error())
	}
	fullName := repo.Owner() + "/" + repo.Name()

	base, err := repo.DefaultBranch(ctx)
	if err != nil {
		return providerFailure(err)
	}

	sha, found, err := repo.RefSHA(ctx, base)
	if err != nil {
		if isRateLimited(err) {
			return providerFailure(err)
		}
		log.Debug().Err(err).Str("branch", base).Msg("ref lookup failed, trying branches API")
	}
	if !found || len(sha) < 7 {
		sha, found, err = repo.BranchSHA(ctx, base)
		if err != nil && isRateLimited(err) {
			return providerFailure(err)
		}
	}
	if !found || len(sha) < 7 {
		return failed(http.StatusBadGateway, fmt.Sprintf("Cannot resolve base SHA for %s@%s.", fullName, base))
	}

	names, err := repo.ListDir(ctx, loc.Dir, base)
	if err != nil {
		return providerFailure(err)
	}
	for _, name := range names {
		if strings.HasSuffix(name, "-"+fp+".json") {
			return Outcome{
				State:      StateDuplicate,
				OK:         true,
				Path:       loc.Dir + "/" + name,
				Message:    msgDuplicate,
				HTTPStatus: http.StatusOK,
			}
		}
	}

	if _, found, err := repo.RefSHA(ctx, loc.Branch); err != nil {
		return providerFailure(err)
	} else if !found {
		if err := repo.CreateBranch(ctx, loc.Branch, sha); err != nil {
			return providerFailure(err)
		}
	}

	exists, err := repo.FileExists(ctx, loc.Path, loc.Branch)
	if err != nil {
		return providerFailure(err)
	}
	if !exists {
		body, err := recordJSON(rec)
		if err != nil {
			return failed(http.StatusInternalServerError, err.Error())
		}
		msg := fmt.Sprintf("add Non-LLM user data %s %s %s", rec.InstanceID, loc.Date, loc.HHMM)
		if err := repo.PutFile(ctx, loc.Path, loc.Branch, msg, body); err != nil {
			return providerFailure(err)
		}
	}

	prURL, found, err := repo.FindOpenPR(ctx, loc.Branch)
	if err != nil {
		return providerFailure(err)
	}
	if !found {
		title := fmt.Sprintf("Non-LLM user data: %s/%s/%s-%s.json", rec.InstanceID, loc.Date, loc.HHMM, fp)
		prURL, err = repo.CreatePR(ctx, title, loc.Branch, base, "Automated submission from patchbench")
		if err != nil {
			return providerFailure(err)
		}
	}

	return Outcome{
		State:      StateUploaded,
		OK:         true,
		Uploaded:   true,
		PRURL:      prURL,
		Path:       loc.Path,
		Message:    "Uploaded and opened a pull request.",
		HTTPStatus: http.StatusOK,
	}
}
