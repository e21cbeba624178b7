package monitor

import (
	"strings"
	"testing"
)

func TestAnalyze(t *testing.T) {
	d := NewDiagnoser()

	tests := []struct {
		name        string
		transcript  string
		wantPattern string
	}{
		{"perf.sh missing", "ls: cannot access '/perf.sh': No such file or directory", "entry_script_missing"},
		{"patch failed", "error: patch failed: src/core.py:12\nerror: src/core.py: patch does not apply", "patch_failed"},
		{"traceback", "Traceback (most recent call last):\n  File \"/tmp/workload.py\", line 3", "python_traceback"},
		{"oom", "/perf.sh: line 4:    12 Killed                  python /tmp/workload.py\nKilled", "killed"},
		{"platform", "WARNING: The requested image's platform (linux/amd64) does not match", "platform_mismatch"},
		{"disk", "OSError: [Errno 28] No space left on device", "no_space"},
		{"module", "ModuleNotFoundError: No module named 'numpy'", "missing_module"},
		{"daemon", "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?", "daemon_unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := d.Analyze(tt.transcript, "img:tag")
			found := false
			for _, diag := range diags {
				if diag.Pattern == tt.wantPattern {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("pattern %q not found in diagnostics: %v", tt.wantPattern, diags)
			}
		})
	}
}

func TestAnalyze_Clean(t *testing.T) {
	d := NewDiagnoser()
	out := "PERF_START:BEFORE\r\nMean: 1.5\r\nStd Dev: 0.1\r\nPERF_END:BEFORE\r\n"
	if diags := d.Analyze(out, "img"); len(diags) != 0 {
		t.Errorf("expected no diagnostics, got %v", diags)
	}
}

func TestAnalyze_OnePerPattern(t *testing.T) {
	d := NewDiagnoser()
	out := "Traceback (most recent call last):\nx\nTraceback (most recent call last):\n"
	diags := d.Analyze(out, "img")
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(diags))
	}
	if diags[0].Line != 1 {
		t.Errorf("line = %d, want 1", diags[0].Line)
	}
	if diags[0].Severity != "error" {
		t.Errorf("severity = %q, want error", diags[0].Severity)
	}
}

func TestAnalyzeError_PlatformHint(t *testing.T) {
	d := NewDiagnoser()
	diags := d.AnalyzeError("no matching manifest for linux/arm64/v8 in the manifest list entries", "sweperf/sweperf_annotate:a__b-1")
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(diags))
	}
	if !strings.Contains(diags[0].Hint, "docker pull sweperf/sweperf_annotate:a__b-1") {
		t.Errorf("hint does not name the image: %q", diags[0].Hint)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		s    Severity
		want string
	}{
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityFatal, "fatal"},
		{Severity(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
