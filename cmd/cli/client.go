package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiError is a structured error body returned by the helper.
type apiError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned %d", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

type client struct {
	base   string
	key    string
	header string
	http   *http.Client
}

func newClient(base, key, header string, timeout time.Duration) *client {
	if header == "" {
		header = "X-API-Key"
	}
	return &client{
		base:   strings.TrimRight(base, "/"),
		key:    key,
		header: header,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *client) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set(c.header, c.key)
	}
	return req, nil
}

// call sends in as JSON and decodes the reply into out. Error bodies of the
// form {"error":...,"code":...} become *apiError; any other body is decoded
// into out whatever the status, since submission outcomes carry their own
// state on 4xx and 5xx replies.
func (c *client) call(ctx context.Context, method, path string, in, out any) (int, error) {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if e := parseAPIError(resp.StatusCode, data); e != nil {
			return resp.StatusCode, e
		}
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func parseAPIError(status int, data []byte) *apiError {
	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		return nil
	}
	return &apiError{Status: status, Code: body.Code, Message: body.Error, RequestID: body.RequestID}
}

// stream posts in and hands every server-sent event to onEvent until the
// body ends. Multi-line data fields are joined with newlines.
func (c *client) stream(ctx context.Context, path string, in any, onEvent func(event, data string) error) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Runs are unbounded; only the context ends a stream.
	httpClient := *c.http
	httpClient.Timeout = 0
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if e := parseAPIError(resp.StatusCode, data); e != nil {
			return e
		}
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	var event string
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || len(lines) > 0 {
				if err := onEvent(event, strings.Join(lines, "\n")); err != nil {
					return err
				}
			}
			event, lines = "", nil
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			lines = append(lines, strings.TrimPrefix(data, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
