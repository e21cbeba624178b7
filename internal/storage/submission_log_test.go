package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionLog_AppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "submissions.jsonl")
	l := NewSubmissionLog(path)

	imp := 22.5
	notes := "faster <json> & co"
	require.NoError(t, l.Append(&SubmissionRecord{
		ID: "job-1-aaaaaaaa", TS: 1700000000, Image: "img:a__b-1", InstanceID: "a__b-1",
		Before: json.RawMessage(`{"mean":10}`), After: json.RawMessage(`{"mean":7.75}`),
		Improvement: &imp, Notes: &notes, Client: ClientInfo{HelperVersion: "1.0"},
	}))
	require.NoError(t, l.Append(&SubmissionRecord{ID: "job-2-bbbbbbbb", TS: 1700000060}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"notes":"faster <json> & co"`)
	assert.Contains(t, lines[0], `"instanceId":"a__b-1"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "job-1-aaaaaaaa", recs[0].ID)
	assert.Equal(t, 22.5, *recs[0].Improvement)
	assert.JSONEq(t, `{"mean":7.75}`, string(recs[0].After))
	assert.Nil(t, recs[1].Improvement)
}

func TestSubmissionLog_MissingFileIsEmpty(t *testing.T) {
	l := NewSubmissionLog(filepath.Join(t.TempDir(), "none.jsonl"))
	recs, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSubmissionLog_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\nnot json\n\n{\"id\":\"b\"}\n"), 0600))

	recs, err := NewSubmissionLog(path).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[1].ID)
}

func TestSubmissionLog_ConcurrentAppends(t *testing.T) {
	l := NewSubmissionLog(filepath.Join(t.TempDir(), "s.jsonl"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Append(&SubmissionRecord{ID: fmt.Sprintf("job-%d", i)}))
		}(i)
	}
	wg.Wait()

	recs, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}

func TestSubmissionLog_UnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	l := NewSubmissionLog(filepath.Join(blocker, "s.jsonl"))
	assert.Error(t, l.Append(&SubmissionRecord{ID: "x"}))
}
