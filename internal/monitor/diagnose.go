package monitor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Diagnoser scans session transcripts for well-known failure signatures so a
// run without numbers comes back with a hint about why.
type Diagnoser struct {
	patterns []DiagnosticPattern
}

// DiagnosticPattern defines a failure signature to match.
type DiagnosticPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
	Hint        string // may reference the image as %[1]s
}

// Severity levels for diagnostics.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Diagnostic is one matched failure signature.
type Diagnostic struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Hint     string `json:"hint,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// NewDiagnoser creates a diagnoser with the default catalogue.
func NewDiagnoser() *Diagnoser {
	return &Diagnoser{
		patterns: defaultPatterns(),
	}
}

// Analyze returns one diagnostic per pattern, pointing at the first line that
// matched. image is substituted into hints.
func (d *Diagnoser) Analyze(transcript, image string) []Diagnostic {
	var diags []Diagnostic

	lines := strings.Split(strings.ReplaceAll(transcript, "\r\n", "\n"), "\n")
	for _, p := range d.patterns {
		for i, line := range lines {
			if !p.Regex.MatchString(line) {
				continue
			}
			diag := Diagnostic{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			}
			diag.Hint = p.Hint
			if strings.Contains(p.Hint, "%[1]s") {
				diag.Hint = fmt.Sprintf(p.Hint, image)
			}
			diags = append(diags, diag)

			log.Debug().
				Str("pattern", p.Name).
				Str("severity", diag.Severity).
				Int("line", i+1).
				Msg("transcript diagnostic")
			break
		}
	}

	return diags
}

// AnalyzeError classifies an error message that ended a run before a
// transcript existed, such as a failed pull.
func (d *Diagnoser) AnalyzeError(msg, image string) []Diagnostic {
	return d.Analyze(msg, image)
}

const platformHint = "Solutions:\n" +
	"1. Ensure Docker Desktop is running\n" +
	"2. Try manually pulling the image: docker pull %[1]s\n" +
	"3. Check if the image supports the current platform"

func defaultPatterns() []DiagnosticPattern {
	return []DiagnosticPattern{
		{
			Name:        "entry_script_missing",
			Description: "The image has no /perf.sh entry script",
			Regex:       regexp.MustCompile(`/perf\.sh.*No such file or directory`),
			Severity:    SeverityFatal,
			Hint:        "Check that %[1]s is a benchmark image built with a /perf.sh entry script",
		},
		{
			Name:        "patch_failed",
			Description: "git apply rejected the patch",
			Regex:       regexp.MustCompile(`^error: (patch failed|corrupt patch|.*: patch does not apply|No valid patches in input)`),
			Severity:    SeverityError,
			Hint:        "The patch does not apply to the image's checkout; the after phase measured the unpatched tree",
		},
		{
			Name:        "python_traceback",
			Description: "The workload raised an uncaught Python exception",
			Regex:       regexp.MustCompile(`^Traceback \(most recent call last\):`),
			Severity:    SeverityError,
		},
		{
			Name:        "killed",
			Description: "A process was killed, likely by the memory limit",
			Regex:       regexp.MustCompile(`(?i)(^Killed\b|out of memory|oom-kill|MemoryError|exit(ed)? (code|status) 137)`),
			Severity:    SeverityError,
			Hint:        "Reduce the workload size or raise sandbox.limits.memory",
		},
		{
			Name:        "platform_mismatch",
			Description: "Platform compatibility error",
			Regex:       regexp.MustCompile(`(?i)(requested image's platform|no matching manifest|exec format error|platform .*does not match)`),
			Severity:    SeverityFatal,
			Hint:        platformHint,
		},
		{
			Name:        "no_space",
			Description: "The container or host ran out of disk space",
			Regex:       regexp.MustCompile(`(?i)no space left on device`),
			Severity:    SeverityFatal,
			Hint:        "Free disk space on the Docker host (docker system prune) and retry",
		},
		{
			Name:        "missing_module",
			Description: "The workload imports a module the image does not provide",
			Regex:       regexp.MustCompile(`(ModuleNotFoundError|ImportError): `),
			Severity:    SeverityWarning,
		},
		{
			Name:        "daemon_unreachable",
			Description: "The Docker daemon could not be reached",
			Regex:       regexp.MustCompile(`(?i)(cannot connect to the docker daemon|is the docker daemon running)`),
			Severity:    SeverityFatal,
			Hint:        platformHint,
		},
	}
}
