package bench

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultImagePrefix is the repository holding per-instance benchmark images.
const DefaultImagePrefix = "sweperf/sweperf_annotate"

// ErrValidation marks a malformed benchmark request. It is returned before any
// side effect.
var ErrValidation = errors.New("invalid benchmark request")

// ValidationError describes which field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

var (
	pullURLRe  = regexp.MustCompile(`^https?://github\.com/([^/\s]+)/([^/\s]+)/pull/(\d+)(?:[/?#]\S*)?$`)
	instanceRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	imageRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9._/:@-]*$`)
)

// Target is a normalized benchmark target.
type Target struct {
	Input         string `json:"input"`
	Image         string `json:"image_tag"`
	InstanceID    string `json:"instance_id,omitempty"`
	IsDirectImage bool   `json:"is_direct_image"`
}

// NormalizeTarget maps a pull request URL, a full image reference or a bare
// instance id to the image to benchmark. An empty prefix means
// DefaultImagePrefix.
//
//	https://github.com/org/repo/pull/42 -> <prefix>:org__repo-42
//	registry/name:tag                   -> registry/name:tag
//	org__repo-42                        -> <prefix>:org__repo-42
func NormalizeTarget(input, prefix string) (Target, error) {
	if prefix == "" {
		prefix = DefaultImagePrefix
	}
	in := strings.TrimSpace(input)
	if in == "" {
		return Target{}, &ValidationError{Field: "pr_url", Reason: "empty target"}
	}

	if strings.HasPrefix(in, "http") {
		id, err := InstanceFromURL(in)
		if err != nil {
			return Target{}, err
		}
		return Target{Input: in, Image: prefix + ":" + id, InstanceID: id}, nil
	}

	if strings.Contains(in, ":") {
		if !imageRe.MatchString(strings.ToLower(in)) || strings.HasSuffix(in, ":") {
			return Target{}, &ValidationError{Field: "pr_url", Reason: fmt.Sprintf("%q is not an image reference", in)}
		}
		tag := in[strings.LastIndex(in, ":")+1:]
		t := Target{Input: in, Image: in, IsDirectImage: true}
		if instanceRe.MatchString(tag) && strings.Contains(tag, "__") {
			t.InstanceID = tag
		}
		return t, nil
	}

	if !instanceRe.MatchString(in) {
		return Target{}, &ValidationError{Field: "pr_url", Reason: fmt.Sprintf("%q is not an instance id", in)}
	}
	return Target{Input: in, Image: prefix + ":" + in, InstanceID: in, IsDirectImage: true}, nil
}

// InstanceFromURL returns org__repo-N for a GitHub pull request URL.
func InstanceFromURL(url string) (string, error) {
	m := pullURLRe.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", &ValidationError{Field: "pr_url", Reason: "URL format is incorrect, expected https://github.com/<org>/<repo>/pull/<n>"}
	}
	return fmt.Sprintf("%s__%s-%s", m[1], m[2], m[3]), nil
}
