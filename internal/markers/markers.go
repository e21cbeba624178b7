// Package markers extracts per-phase performance statistics from console
// transcripts delimited by PERF_START:<TAG> / PERF_END:<TAG> lines.
package markers

import (
	"regexp"
	"strconv"
	"strings"
)

// Phase tags emitted around each benchmark run.
const (
	TagBefore = "BEFORE"
	TagAfter  = "AFTER"
)

const (
	startPrefix = "PERF_START:"
	endPrefix   = "PERF_END:"
)

const number = `([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`

var (
	meanRe = regexp.MustCompile(`Mean\s*:\s*` + number)
	stdRe  = regexp.MustCompile(`(?:Std\s*Dev|Std)\s*:\s*` + number)

	// Inner markers printed by the workload wrapper. When perf.sh runs under
	// `set -x` the echo and the python invocation are traced with a leading '+'.
	tracedStartRe = regexp.MustCompile(`(?m)^\+\s+echo\s+PERF_START:[^\n]*\n^PERF_START:[ \t]*\n^\+\s+python[^\n]*\n`)
	bareStartRe   = regexp.MustCompile(`(?m)^PERF_START:[ \t]*$`)
	tracedEndRe   = regexp.MustCompile(`(?m)^PERF_END:[ \t]*\n^\+\s+echo\s+PERF_END:`)
	bareEndRe     = regexp.MustCompile(`(?m)^PERF_END:[ \t]*$`)
)

// Record is the parsed outcome of one phase. Mean and Std are either both
// set or both nil.
type Record struct {
	Core  string   `json:"core"`
	Mean  *float64 `json:"mean"`
	Std   *float64 `json:"std"`
	Error *string  `json:"error"`
}

// HasStats reports whether both statistics were extracted.
func (r Record) HasStats() bool {
	return r.Mean != nil && r.Std != nil
}

// Phases holds the records for both sides of a patch.
type Phases struct {
	Before Record `json:"before"`
	After  Record `json:"after"`
}

// ExtractPhases parses the BEFORE and AFTER segments of a transcript
// independently.
func ExtractPhases(transcript string) Phases {
	return Phases{
		Before: Extract(transcript, TagBefore),
		After:  Extract(transcript, TagAfter),
	}
}

// Extract parses the segment delimited by tag. A missing start or end marker
// yields a zero Record; that is an expected outcome, not an error.
func Extract(transcript, tag string) Record {
	text := strings.ReplaceAll(transcript, "\r\n", "\n")

	seg, ok := outerSegment(text, tag)
	if !ok {
		return Record{}
	}

	core := strings.TrimSpace(innerCore(seg))
	rec := Record{Core: core}

	mean, meanOK := firstFloat(meanRe, core)
	std, stdOK := firstFloat(stdRe, core)
	if meanOK && stdOK {
		rec.Mean = &mean
		rec.Std = &std
	}

	if residual := residualText(core); residual != "" {
		rec.Error = &residual
	}
	return rec
}

// Segment returns the raw text between PERF_START:<tag> and PERF_END:<tag>,
// with line endings normalized.
func Segment(transcript, tag string) (string, bool) {
	seg, ok := outerSegment(strings.ReplaceAll(transcript, "\r\n", "\n"), tag)
	return strings.Trim(seg, "\n"), ok
}

func outerSegment(text, tag string) (string, bool) {
	start := startPrefix + tag
	end := endPrefix + tag

	s := strings.Index(text, start)
	if s < 0 {
		return "", false
	}
	s += len(start)
	e := strings.Index(text[s:], end)
	if e < 0 {
		return "", false
	}
	return text[s : s+e], true
}

// innerCore narrows an outer segment to the workload's own output. Precedence:
// traced start block, bare start line, plain PERF_START:/PERF_END: pair, and
// finally the whole segment.
func innerCore(seg string) string {
	startIdx := -1
	if loc := tracedStartRe.FindStringIndex(seg); loc != nil {
		startIdx = loc[1]
	} else if loc := bareStartRe.FindStringIndex(seg); loc != nil {
		startIdx = loc[1]
	}

	endIdx := -1
	if loc := tracedEndRe.FindStringIndex(seg); loc != nil {
		endIdx = loc[0]
	} else if loc := bareEndRe.FindStringIndex(seg); loc != nil {
		endIdx = loc[0]
	}

	if startIdx >= 0 && endIdx > startIdx {
		return seg[startIdx:endIdx]
	}

	if s := strings.Index(seg, startPrefix); s >= 0 {
		rest := seg[s+len(startPrefix):]
		if e := strings.Index(rest, endPrefix); e >= 0 {
			return rest[:e]
		}
	}
	return seg
}

func firstFloat(re *regexp.Regexp, s string) (float64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// residualText is the core minus statistic matches, blank lines and shell
// trace lines.
func residualText(core string) string {
	rest := meanRe.ReplaceAllString(core, "")
	rest = stdRe.ReplaceAllString(rest, "")

	var kept []string
	for _, line := range strings.Split(rest, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "+") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
