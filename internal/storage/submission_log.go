package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// SubmissionLog is the append-only JSONL audit of every submission received.
// It is the first thing a submission touches, before any remote call.
type SubmissionLog struct {
	path string
	mu   sync.Mutex
}

func NewSubmissionLog(path string) *SubmissionLog {
	return &SubmissionLog{path: path}
}

func (l *SubmissionLog) Path() string { return l.path }

// Append writes rec as one line and syncs it to disk.
func (l *SubmissionLog) Append(rec *SubmissionRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding submission %s: %w", rec.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("creating submission log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening submission log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("appending submission %s: %w", rec.ID, err)
	}
	return f.Sync()
}

// ReadAll returns every record in file order. Lines that fail to decode are
// skipped and logged. A missing file is an empty log.
func (l *SubmissionLog) ReadAll() ([]SubmissionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening submission log: %w", err)
	}
	defer f.Close()

	var records []SubmissionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec SubmissionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			log.Warn().Err(err).Int("line", line).Str("path", l.path).Msg("skipping malformed submission log line")
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("reading submission log: %w", err)
	}
	return records, nil
}
