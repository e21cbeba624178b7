package markers

import (
	"strings"
	"testing"
)

func floatPtrEq(p *float64, want float64) bool {
	return p != nil && *p == want
}

func TestExtract_MeanAndStd(t *testing.T) {
	transcript := "PERF_START:BEFORE\nMean: 12.5\nStd Dev: 0.3\nPERF_END:BEFORE\n"

	rec := Extract(transcript, TagBefore)
	if !floatPtrEq(rec.Mean, 12.5) {
		t.Errorf("Mean = %v, want 12.5", rec.Mean)
	}
	if !floatPtrEq(rec.Std, 0.3) {
		t.Errorf("Std = %v, want 0.3", rec.Std)
	}
	if rec.Error != nil {
		t.Errorf("Error = %q, want nil", *rec.Error)
	}
	if !rec.HasStats() {
		t.Error("HasStats() = false, want true")
	}
}

func TestExtract_TracedInnerMarkers(t *testing.T) {
	transcript := strings.Join([]string{
		"$ cat /tmp/result_before.txt",
		"PERF_START:BEFORE",
		"+ cd /testbed",
		"+ echo PERF_START:",
		"PERF_START:",
		"+ python /tmp/workload.py",
		"Mean: 1.25e-3",
		"Std Dev: 2E-4",
		"PERF_END:",
		"+ echo PERF_END:",
		"PERF_END:BEFORE",
	}, "\n")

	rec := Extract(transcript, TagBefore)
	if rec.Core != "Mean: 1.25e-3\nStd Dev: 2E-4" {
		t.Errorf("Core = %q", rec.Core)
	}
	if !floatPtrEq(rec.Mean, 1.25e-3) || !floatPtrEq(rec.Std, 2e-4) {
		t.Errorf("stats = %v/%v, want 1.25e-3/2e-4", rec.Mean, rec.Std)
	}
}

func TestExtract_BareInnerMarkers(t *testing.T) {
	transcript := "PERF_START:AFTER\nwarming up\nPERF_START:\nMean: -3.5\nStd: 2\nPERF_END:\ntrailer\nPERF_END:AFTER"

	rec := Extract(transcript, TagAfter)
	if rec.Core != "Mean: -3.5\nStd: 2" {
		t.Errorf("Core = %q", rec.Core)
	}
	if rec.Error != nil {
		t.Errorf("Error = %q, want nil (noise outside inner markers)", *rec.Error)
	}
	if !floatPtrEq(rec.Mean, -3.5) {
		t.Errorf("Mean = %v, want -3.5", rec.Mean)
	}
}

func TestExtract_CRLF(t *testing.T) {
	transcript := "PERF_START:AFTER\r\nMean: 2.0\r\nStd: 0.1\r\nPERF_END:AFTER\r\n"

	rec := Extract(transcript, TagAfter)
	if !floatPtrEq(rec.Mean, 2.0) || !floatPtrEq(rec.Std, 0.1) {
		t.Errorf("stats = %v/%v, want 2.0/0.1", rec.Mean, rec.Std)
	}
}

func TestExtract_MissingMarkers(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
	}{
		{"empty", ""},
		{"no start", "Mean: 1\nStd: 1\nPERF_END:BEFORE"},
		{"no end", "PERF_START:BEFORE\nMean: 1\nStd: 1\n"},
		{"end before start", "PERF_END:BEFORE\nPERF_START:BEFORE\nMean: 1"},
		{"other tag only", "PERF_START:AFTER\nMean: 1\nStd: 1\nPERF_END:AFTER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Extract(tt.transcript, TagBefore)
			if rec.Core != "" || rec.Mean != nil || rec.Std != nil || rec.Error != nil {
				t.Errorf("Extract() = %+v, want zero record", rec)
			}
		})
	}
}

func TestExtract_StatsAreAllOrNothing(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"mean only", "Mean: 5"},
		{"std only", "Std Dev: 0.5"},
		{"unparsable mean", "Mean: n/a\nStd: 0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Extract("PERF_START:BEFORE\n"+tt.body+"\nPERF_END:BEFORE", TagBefore)
			if rec.Mean != nil || rec.Std != nil {
				t.Errorf("stats = %v/%v, want both nil", rec.Mean, rec.Std)
			}
			if rec.HasStats() {
				t.Error("HasStats() = true, want false")
			}
		})
	}
}

func TestExtract_ErrorText(t *testing.T) {
	body := strings.Join([]string{
		"+ python /tmp/workload.py",
		"Traceback (most recent call last):",
		"  File \"/tmp/workload.py\", line 3, in <module>",
		"",
		"ValueError: boom",
		"   + set +x",
	}, "\n")

	rec := Extract("PERF_START:BEFORE\n"+body+"\nPERF_END:BEFORE", TagBefore)
	if rec.Error == nil {
		t.Fatal("Error = nil, want traceback text")
	}
	want := "Traceback (most recent call last):\n  File \"/tmp/workload.py\", line 3, in <module>\nValueError: boom"
	if *rec.Error != want {
		t.Errorf("Error = %q, want %q", *rec.Error, want)
	}
	if rec.Mean != nil {
		t.Errorf("Mean = %v, want nil", *rec.Mean)
	}
}

func TestExtract_ErrorTextExcludesStats(t *testing.T) {
	rec := Extract("PERF_START:BEFORE\nMean: 12.5\nwarning: slow disk\nStd Dev: 0.3\nPERF_END:BEFORE", TagBefore)
	if rec.Error == nil || *rec.Error != "warning: slow disk" {
		t.Errorf("Error = %v, want %q", rec.Error, "warning: slow disk")
	}
	if !rec.HasStats() {
		t.Error("HasStats() = false, want true")
	}
}

func TestExtractPhases_Independent(t *testing.T) {
	transcript := "PERF_START:BEFORE\nMean: 10\nStd: 1\nPERF_END:BEFORE\nPERF_START:AFTER\nMean: 8\n"

	p := ExtractPhases(transcript)
	if !floatPtrEq(p.Before.Mean, 10) || !floatPtrEq(p.Before.Std, 1) {
		t.Errorf("Before = %+v, want mean 10 std 1", p.Before)
	}
	if p.After.Core != "" || p.After.Mean != nil || p.After.Std != nil || p.After.Error != nil {
		t.Errorf("After = %+v, want zero record", p.After)
	}
}

func TestSegment(t *testing.T) {
	transcript := "noise\r\nPERF_START:BEFORE\r\nMean: 1\r\nStd: 2\r\nPERF_END:BEFORE\r\n"

	seg, ok := Segment(transcript, TagBefore)
	if !ok {
		t.Fatal("expected segment")
	}
	if seg != "Mean: 1\nStd: 2" {
		t.Errorf("segment = %q", seg)
	}

	if _, ok := Segment(transcript, TagAfter); ok {
		t.Error("AFTER segment should be absent")
	}
}
