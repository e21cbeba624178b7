package publish

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"patchbench/internal/bench"
	"patchbench/internal/storage"
)

const helperVersion = "1.0"

// Submission is a finished benchmark offered for publication. Improvement and
// the timestamp are accepted loosely because browser clients send numbers,
// numeric strings or null.
type Submission struct {
	Image       string          `json:"image"`
	InstanceID  string          `json:"instanceId"`
	GithubURL   string          `json:"githubUrl"`
	WorkloadB64 string          `json:"workload_b64"`
	Before      json.RawMessage `json:"before"`
	After       json.RawMessage `json:"after"`
	Improvement *float64        `json:"improvement"`
	Notes       *string         `json:"notes"`
	Timestamp   *float64        `json:"ts"`
}

func (s *Submission) UnmarshalJSON(data []byte) error {
	type alias Submission
	aux := struct {
		*alias
		Improvement json.RawMessage `json:"improvement"`
		Timestamp   json.RawMessage `json:"ts"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Improvement = looseFloat(aux.Improvement)
	s.Timestamp = looseFloat(aux.Timestamp)
	return nil
}

// looseFloat reads a JSON number or numeric string. Anything else, including
// NaN and infinities, is nil.
func looseFloat(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil
		}
	} else {
		text = string(raw)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// normalizeTS converts a client timestamp to unix seconds. Values above 1e12
// are milliseconds.
func normalizeTS(ts *float64, now time.Time) int64 {
	if ts == nil || *ts <= 0 {
		return now.Unix()
	}
	v := *ts
	if v > 1e12 {
		v /= 1000
	}
	return int64(v)
}

func decodeWorkload(b64 string) *string {
	if b64 == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil
	}
	s := strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newRecordID(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("job-%d-%s", now.Unix(), hex.EncodeToString(b[:]))
}

// buildRecord normalizes a submission into the record kept locally and
// published remotely.
func buildRecord(sub Submission, imagePrefix string, now time.Time) *storage.SubmissionRecord {
	instance := strings.TrimSpace(sub.InstanceID)
	if instance == "" && sub.GithubURL != "" {
		if id, err := bench.InstanceFromURL(strings.TrimSpace(sub.GithubURL)); err == nil {
			instance = id
		}
	}
	image := strings.TrimSpace(sub.Image)
	if image == "" && instance != "" {
		if imagePrefix == "" {
			imagePrefix = bench.DefaultImagePrefix
		}
		image = "docker.io/" + imagePrefix + ":" + instance
	}

	return &storage.SubmissionRecord{
		ID:          newRecordID(now),
		TS:          normalizeTS(sub.Timestamp, now),
		Image:       image,
		InstanceID:  instance,
		GithubURL:   optional(sub.GithubURL),
		Workload:    decodeWorkload(sub.WorkloadB64),
		Before:      orNull(sub.Before),
		After:       orNull(sub.After),
		Improvement: sub.Improvement,
		Notes:       sub.Notes,
		Client:      storage.ClientInfo{HelperVersion: helperVersion},
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Fingerprint is the first 8 hex digits of sha256 over the canonical JSON of
// the fields that make two submissions identical.
func Fingerprint(rec *storage.SubmissionRecord) (string, error) {
	key := map[string]any{
		"instanceId":  rec.InstanceID,
		"workload":    rec.Workload,
		"improvement": rec.Improvement,
		"notes":       rec.Notes,
	}
	for name, raw := range map[string]json.RawMessage{"before": rec.Before, "after": rec.After} {
		v, err := decodeCanonical(raw)
		if err != nil {
			return "", fmt.Errorf("canonicalizing %s: %w", name, err)
		}
		key[name] = v
	}

	// encoding/json sorts map keys at every level.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(key); err != nil {
		return "", err
	}
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])[:8], nil
}

func decodeCanonical(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// uploadLocation derives the dataset path and branch for a record.
type uploadLocation struct {
	Dir    string
	Path   string
	Branch string
	Date   string
	HHMM   string
}

func locate(dataPath, instance, fp string, ts int64) uploadLocation {
	t := time.Unix(ts, 0).UTC()
	date := t.Format("20060102")
	hhmm := t.Format("1504")
	dir := fmt.Sprintf("%s/%s/%s", strings.Trim(dataPath, "/"), instance, date)
	return uploadLocation{
		Dir:    dir,
		Path:   fmt.Sprintf("%s/%s-%s.json", dir, hhmm, fp),
		Branch: fmt.Sprintf("submission-%s-%s-%s", instance, date, hhmm),
		Date:   date,
		HHMM:   hhmm,
	}
}

// recordJSON renders the record as published: indented, unescaped.
func recordJSON(rec *storage.SubmissionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
