package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"patchbench/internal/api"
	"patchbench/internal/markers"
	"patchbench/internal/publish"
	"patchbench/internal/storage"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
}

func formatFloat(v *float64) string {
	if v == nil {
		return mutedStyle.Render("n/a")
	}
	return strconv.FormatFloat(*v, 'g', 6, 64)
}

func formatRecord(r markers.Record) string {
	if r.Error != nil {
		return errorStyle.Render(*r.Error)
	}
	return fmt.Sprintf("mean %s  std %s", formatFloat(r.Mean), formatFloat(r.Std))
}

// improvementPercent is the relative speedup of after over before, positive
// when the patch made the workload faster.
func improvementPercent(before, after markers.Record) *float64 {
	if before.Mean == nil || after.Mean == nil || *before.Mean == 0 {
		return nil
	}
	v := (*before.Mean - *after.Mean) / *before.Mean * 100
	return &v
}

func renderResult(w io.Writer, res *api.BenchmarkResponse) {
	fmt.Fprintln(w, titleStyle.Render("Benchmark "+res.RunID))
	field(w, "image", res.ImageTag)
	if res.InstanceID != "" {
		field(w, "instance", res.InstanceID)
	}
	field(w, "status", res.Status)
	field(w, "before", formatRecord(res.Before))
	field(w, "after", formatRecord(res.After))
	if res.Ratio != nil {
		ratio := formatFloat(res.Ratio)
		if *res.Ratio < 1 {
			ratio = successStyle.Render(ratio)
		} else {
			ratio = warningStyle.Render(ratio)
		}
		field(w, "ratio", ratio)
	}
	if imp := improvementPercent(res.Before, res.After); imp != nil {
		field(w, "improvement", fmt.Sprintf("%.2f%%", *imp))
	}
	switch {
	case res.PatchSkipped:
		field(w, "patch", warningStyle.Render("skipped"))
	case res.PatchApplied:
		field(w, "patch", "applied")
	}
	field(w, "duration", (time.Duration(res.DurationMS) * time.Millisecond).String())
	if res.ArchiveKey != "" {
		field(w, "archive", res.ArchiveKey)
	}
	if res.Error != nil {
		field(w, "error", errorStyle.Render(*res.Error))
	}
	for _, d := range res.Diagnostics {
		line := fmt.Sprintf("[%s] %s: %s", d.Severity, d.Pattern, d.Detail)
		fmt.Fprintln(w, warningStyle.Render(line))
		if d.Hint != "" {
			fmt.Fprintln(w, mutedStyle.Render("  "+d.Hint))
		}
	}
}

// renderOutcome prints what the user has to do next after a submission.
func renderOutcome(w io.Writer, out *publish.Outcome) {
	switch {
	case out.NeedDevice && out.UserCode != "":
		fmt.Fprintln(w, "Open "+linkStyle.Render(out.VerificationURI)+" and enter this code:")
		fmt.Fprintln(w, codeStyle.Render(out.UserCode))
		if out.State == publish.StateAwaitingDevice {
			fmt.Fprintln(w, mutedStyle.Render("Then submit again to upload."))
		}
		if out.RateLimited {
			fmt.Fprintln(w, warningStyle.Render("GitHub is rate limiting code requests; reuse the code above."))
		}
	case out.Uploaded:
		fmt.Fprintln(w, successStyle.Render(out.Message))
		field(w, "pull request", linkStyle.Render(out.PRURL))
		field(w, "path", out.Path)
	case out.NeedToken:
		fmt.Fprintln(w, warningStyle.Render(out.Message))
		fmt.Fprintln(w, mutedStyle.Render("Save a token with repo scope: patchbench auth token <token>"))
	case out.OK:
		fmt.Fprintln(w, successStyle.Render(out.Message))
		if out.Path != "" {
			field(w, "path", out.Path)
		}
	default:
		fmt.Fprintln(w, errorStyle.Render(out.Message))
		if out.Detail != "" {
			fmt.Fprintln(w, mutedStyle.Render(out.Detail))
		}
	}
	if out.RecordID != "" {
		field(w, "record", out.RecordID)
	}
}

func renderHealth(w io.Writer, h *api.HealthResponse) {
	status := successStyle.Render(h.Status)
	if h.Status != "ok" {
		status = errorStyle.Render(h.Status)
	}
	field(w, "status", status)
	field(w, "docker", yesNo(h.Docker))
	field(w, "database", yesNo(h.Database))
	field(w, "running", yesNo(h.Running))
	field(w, "device flow", yesNo(h.DeviceFlow))
	field(w, "uptime", h.Uptime)
}

func yesNo(b bool) string {
	if b {
		return successStyle.Render("yes")
	}
	return mutedStyle.Render("no")
}

func renderRuns(w io.Writer, runs []storage.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no runs recorded"))
		return
	}
	for _, r := range runs {
		status := r.Status
		if r.Status == "completed" {
			status = successStyle.Render(status)
		} else {
			status = warningStyle.Render(status)
		}
		fmt.Fprintf(w, "%s  %s  %-18s ratio %s  %s\n",
			mutedStyle.Render(r.CreatedAt.Local().Format(time.DateTime)),
			titleStyle.Render(r.ID), status, formatFloat(r.Ratio), r.ImageTag)
	}
}

func renderSubmissions(w io.Writer, recs []storage.SubmissionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no submissions recorded"))
		return
	}
	for _, rec := range recs {
		when := time.UnixMilli(rec.TS).Local().Format(time.DateTime)
		improvement := "n/a"
		if rec.Improvement != nil {
			improvement = fmt.Sprintf("%.2f%%", *rec.Improvement)
		}
		line := fmt.Sprintf("%s  %s  %s  %s", mutedStyle.Render(when), rec.ID, rec.InstanceID, improvement)
		if rec.Notes != nil && strings.TrimSpace(*rec.Notes) != "" {
			line += "  " + mutedStyle.Render(*rec.Notes)
		}
		fmt.Fprintln(w, line)
	}
}
