package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

const defaultVerificationURI = "https://github.com/login/device"

var (
	// ErrRateLimited means the provider refused the request for now; the
	// caller should wait before trying again. GitHub answers throttled
	// requests with 429 or with an HTML page, so both map here.
	ErrRateLimited = errors.New("provider rate limited")
)

// Poll outcomes reported by the token endpoint.
const (
	PollGranted  = "granted"
	PollPending  = "authorization_pending"
	PollSlowDown = "slow_down"
	PollExpired  = "expired_token"
	PollDenied   = "access_denied"
)

// PollResult is the answer to a single token poll.
type PollResult struct {
	Status      string
	AccessToken string
	Description string
}

// Finished reports whether the session should be discarded.
func (r PollResult) Finished() bool {
	return r.Status == PollGranted || r.Status == PollExpired || r.Status == PollDenied
}

// DeviceFlow performs the OAuth device authorization grant against GitHub.
type DeviceFlow struct {
	oauth  *oauth2.Config
	client *http.Client
}

// NewDeviceFlow returns nil when no client id is configured. authBase
// overrides https://github.com.
func NewDeviceFlow(clientID, clientSecret, scope, authBase string, timeout time.Duration) *DeviceFlow {
	if clientID == "" {
		return nil
	}
	endpoint := oauthgithub.Endpoint
	if authBase != "" {
		base := strings.TrimRight(authBase, "/")
		endpoint = oauth2.Endpoint{
			AuthURL:       base + "/login/oauth/authorize",
			TokenURL:      base + "/login/oauth/access_token",
			DeviceAuthURL: base + "/login/device/code",
		}
	}
	var scopes []string
	if scope != "" {
		scopes = strings.Fields(strings.ReplaceAll(scope, ",", " "))
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &DeviceFlow{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		client: &http.Client{Timeout: timeout},
	}
}

// rateLimitGuard turns throttled or non-JSON device code responses into
// ErrRateLimited and remembers that it did so.
type rateLimitGuard struct {
	base http.RoundTripper
	hit  bool
}

func (g *rateLimitGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := g.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || !isJSON(resp.Header.Get("Content-Type")) {
		resp.Body.Close()
		g.hit = true
		return nil, ErrRateLimited
	}
	return resp, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

// Start requests a new device and user code.
func (f *DeviceFlow) Start(ctx context.Context, now time.Time) (*DeviceSession, error) {
	base := f.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	guard := &rateLimitGuard{base: base}
	hc := &http.Client{Transport: guard, Timeout: f.client.Timeout}

	resp, err := f.oauth.DeviceAuth(context.WithValue(ctx, oauth2.HTTPClient, hc))
	if err != nil {
		var re *oauth2.RetrieveError
		if guard.hit || (errors.As(err, &re) && re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests) {
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("requesting device code: %w", err)
	}

	sess := &DeviceSession{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        resp.Interval,
		Created:         now.Unix(),
	}
	if sess.VerificationURI == "" {
		sess.VerificationURI = defaultVerificationURI
	}
	if sess.Interval <= 0 {
		sess.Interval = 5
	}
	if !resp.Expiry.IsZero() {
		sess.ExpiresAt = resp.Expiry.Unix()
	}
	return sess, nil
}

// Poll asks the token endpoint once whether the user finished authorizing.
// oauth2's DeviceAccessToken blocks until a terminal answer, which a request
// handler cannot afford.
func (f *DeviceFlow) Poll(ctx context.Context, deviceCode string) (PollResult, error) {
	form := url.Values{
		"client_id":   {f.oauth.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	if f.oauth.ClientSecret != "" {
		form.Set("client_secret", f.oauth.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return PollResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("polling device token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return PollResult{}, fmt.Errorf("%w: token endpoint returned 429", ErrRateLimited)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PollResult{}, fmt.Errorf("reading token response: %w", err)
	}

	var payload struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return PollResult{}, fmt.Errorf("%w: non-JSON token response (status %d): %s", ErrRateLimited, resp.StatusCode, truncate(string(body), 200))
	}

	switch {
	case payload.AccessToken != "":
		return PollResult{Status: PollGranted, AccessToken: payload.AccessToken}, nil
	case payload.Error != "":
		return PollResult{Status: payload.Error, Description: payload.ErrorDescription}, nil
	default:
		return PollResult{Status: PollPending}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
