package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"patchbench/internal/api"
	"patchbench/internal/bench"
	"patchbench/internal/publish"
	"patchbench/internal/storage"
)

var (
	serverURL    string
	apiKey       string
	apiKeyHeader string
	jsonOutput   bool
	timeout      time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "patchbench",
		Short:         "CLI client for the patchbench benchmark helper",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("PERFBENCH_SERVER", "http://127.0.0.1:5000"), "Helper URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PERFBENCH_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&apiKeyHeader, "api-key-header", "X-API-Key", "Header carrying the API key")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON replies")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Hour, "Request timeout")

	root.AddCommand(
		newRunCmd(),
		newStopCmd(),
		newSubmitCmd(),
		newAuthCmd(),
		newHealthCmd(),
		newHistoryCmd(),
		newSubmissionsCmd(),
	)
	return root
}

func apiClient() *client {
	return newClient(serverURL, apiKey, apiKeyHeader, timeout)
}

// readInput reads a file, or stdin when path is "-".
func readInput(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 -- user-supplied input file
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func newRunCmd() *cobra.Command {
	var workloadPath, patchPath, outputPath string
	var stream bool

	cmd := &cobra.Command{
		Use:   "run <pr-url|instance|image>",
		Short: "Benchmark a workload before and after a patch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workload, err := readInput(workloadPath)
			if err != nil {
				return err
			}
			req := api.BenchmarkRequest{PRURL: args[0], WorkloadCode: workload}
			if patchPath != "" {
				if req.Patch, err = readInput(patchPath); err != nil {
					return err
				}
			}

			// Ctrl-C drops the connection; the helper stops the run when the
			// client goes away.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var res api.BenchmarkResponse
			if stream {
				err = runStreaming(ctx, cmd.ErrOrStderr(), req, &res)
			} else {
				_, err = apiClient().call(ctx, http.MethodPost, "/run_benchmark", req, &res)
			}
			if err != nil {
				return err
			}

			if outputPath != "" {
				data, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outputPath, data, 0600); err != nil {
					return fmt.Errorf("writing result: %w", err)
				}
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}
			renderResult(out, &res)
			if outputPath != "" {
				fmt.Fprintln(out, mutedStyle.Render("saved to "+outputPath+"; submit it with: patchbench submit --result "+outputPath))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workloadPath, "workload", "w", "", "Workload script (- for stdin)")
	cmd.Flags().StringVarP(&patchPath, "patch", "p", "", "Unified diff to apply between phases")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Save the result JSON for a later submit")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream the sandbox session while it runs")
	_ = cmd.MarkFlagRequired("workload")
	return cmd
}

func runStreaming(ctx context.Context, live io.Writer, req api.BenchmarkRequest, res *api.BenchmarkResponse) error {
	var final error
	err := apiClient().stream(ctx, "/run_benchmark/stream", req, func(event, data string) error {
		switch event {
		case "output":
			fmt.Fprintln(live, data)
		case "done":
			if err := json.Unmarshal([]byte(data), res); err != nil {
				return fmt.Errorf("decoding result: %w", err)
			}
		case "error":
			if e := parseAPIError(0, []byte(data)); e != nil {
				final = e
			} else {
				final = errors.New(data)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return final
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running benchmark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status bench.StopStatus
			if _, err := apiClient().call(cmd.Context(), http.MethodPost, "/stop_benchmark", nil, &status); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), status)
			}
			style := successStyle
			if status.Status != "success" {
				style = warningStyle
			}
			fmt.Fprintln(cmd.OutOrStdout(), style.Render(status.Message))
			return nil
		},
	}
}

// submissionFromResult builds an upload body from a saved benchmark result.
func submissionFromResult(res *api.BenchmarkResponse, target, workload, notes string, now time.Time) (publish.Submission, error) {
	before, err := json.Marshal(map[string]*float64{"mean": res.Before.Mean, "std": res.Before.Std})
	if err != nil {
		return publish.Submission{}, err
	}
	after, err := json.Marshal(map[string]*float64{"mean": res.After.Mean, "std": res.After.Std})
	if err != nil {
		return publish.Submission{}, err
	}

	ts := float64(now.UnixMilli())
	sub := publish.Submission{
		Image:       res.ImageTag,
		InstanceID:  res.InstanceID,
		WorkloadB64: base64.StdEncoding.EncodeToString([]byte(workload)),
		Before:      before,
		After:       after,
		Improvement: improvementPercent(res.Before, res.After),
		Timestamp:   &ts,
	}
	if strings.HasPrefix(target, "https://github.com/") {
		sub.GithubURL = target
	}
	if notes != "" {
		sub.Notes = &notes
	}
	return sub, nil
}

func newSubmitCmd() *cobra.Command {
	var resultPath, workloadPath, notes, target string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a benchmark result and publish it when it beats the threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(resultPath)
			if err != nil {
				return err
			}
			var res api.BenchmarkResponse
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return fmt.Errorf("parsing result: %w", err)
			}
			workload, err := readInput(workloadPath)
			if err != nil {
				return err
			}

			sub, err := submissionFromResult(&res, target, workload, notes, time.Now())
			if err != nil {
				return err
			}
			var out publish.Outcome
			if _, err := apiClient().call(cmd.Context(), http.MethodPost, "/api/upload_run", sub, &out); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			renderOutcome(cmd.OutOrStdout(), &out)
			if !out.OK {
				return errors.New("submission failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&resultPath, "result", "r", "", "Result JSON saved by run --output")
	cmd.Flags().StringVarP(&workloadPath, "workload", "w", "", "Workload script that produced the result")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes stored with the submission")
	cmd.Flags().StringVar(&target, "github-url", "", "Pull request URL the result belongs to")
	_ = cmd.MarkFlagRequired("result")
	_ = cmd.MarkFlagRequired("workload")
	return cmd
}

func newAuthCmd() *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Authorize uploads to the dataset repository",
	}

	auth.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the GitHub device flow and print the user code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out publish.Outcome
			if _, err := apiClient().call(cmd.Context(), http.MethodPost, "/api/upload/start", nil, &out); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			renderOutcome(cmd.OutOrStdout(), &out)
			return nil
		},
	})

	auth.AddCommand(&cobra.Command{
		Use:   "token [token]",
		Short: "Save a personal access token (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				data, err := readInput("-")
				if err != nil {
					return err
				}
				token = data
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token is empty")
			}

			var reply map[string]any
			if _, err := apiClient().call(cmd.Context(), http.MethodPost, "/api/upload/token", api.TokenRequest{Token: token}, &reply); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), reply)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Token saved."))
			return nil
		},
	})
	return auth
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check helper health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var h api.HealthResponse
			status, err := apiClient().call(cmd.Context(), http.MethodGet, "/health", nil, &h)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), h); err != nil {
					return err
				}
			} else {
				renderHealth(cmd.OutOrStdout(), &h)
			}
			if status != http.StatusOK {
				return fmt.Errorf("helper is %s", h.Status)
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var image, status, since string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded benchmark runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				var run storage.Run
				if _, err := c.call(cmd.Context(), http.MethodGet, "/benchmarks/"+url.PathEscape(args[0]), nil, &run); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, run)
				}
				renderRuns(out, []storage.Run{run})
				if run.Error != "" {
					fmt.Fprintln(out, errorStyle.Render(run.Error))
				}
				return nil
			}

			q := url.Values{}
			if image != "" {
				q.Set("image", image)
			}
			if status != "" {
				q.Set("status", status)
			}
			if since != "" {
				if _, err := time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("--since must be RFC 3339: %w", err)
				}
				q.Set("since", since)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/benchmarks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var runs []storage.Run
			if _, err := c.call(cmd.Context(), http.MethodGet, path, nil, &runs); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}
			renderRuns(out, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "Only runs of this image tag")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().StringVar(&since, "since", "", "Only runs created after this RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Runs to skip")
	return cmd
}

func newSubmissionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List locally recorded submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/submissions"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var recs []storage.SubmissionRecord
			if _, err := apiClient().call(cmd.Context(), http.MethodGet, path, nil, &recs); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			renderSubmissions(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Show only the most recent submissions")
	return cmd
}
