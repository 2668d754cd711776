package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/config"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal in-memory couchclient.Client double driving the
// orchestrator without any network I/O.
type fakeClient struct {
	changesBody string
	bulkGetErr  error

	mu            sync.Mutex
	bulkGetCalls  int32
	concurrentGet int32
	maxConcurrent int32

	allDocsPages [][]string // each page is a slice of doc IDs
	allDocsCall  int
}

func (f *fakeClient) HeadDatabase(ctx context.Context) error { return nil }

func (f *fakeClient) GetDatabaseInformation(ctx context.Context) (couchclient.DatabaseInfo, error) {
	return couchclient.DatabaseInfo{}, nil
}

func (f *fakeClient) PostChanges(ctx context.Context, seqInterval int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.changesBody)), nil
}

func (f *fakeClient) PostBulkGet(ctx context.Context, ids []string, revs bool) (couchclient.BulkGetResponse, error) {
	if len(ids) == 0 {
		// validate_bulk_get probe
		return couchclient.BulkGetResponse{}, f.bulkGetErr
	}

	cur := atomic.AddInt32(&f.concurrentGet, 1)
	for {
		old := atomic.LoadInt32(&f.maxConcurrent)
		if cur <= old || atomic.CompareAndSwapInt32(&f.maxConcurrent, old, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.concurrentGet, -1)
	atomic.AddInt32(&f.bulkGetCalls, 1)

	var resp couchclient.BulkGetResponse
	resp.Results = make([]struct {
		ID   string `json:"id"`
		Docs []struct {
			OK    json.RawMessage `json:"ok,omitempty"`
			Error *struct {
				ID     string `json:"id"`
				Rev    string `json:"rev"`
				Error  string `json:"error"`
				Reason string `json:"reason"`
			} `json:"error,omitempty"`
		} `json:"docs"`
	}, len(ids))
	for i, id := range ids {
		resp.Results[i].ID = id
		doc, _ := json.Marshal(map[string]string{"_id": id, "_rev": "1-a"})
		resp.Results[i].Docs = []struct {
			OK    json.RawMessage `json:"ok,omitempty"`
			Error *struct {
				ID     string `json:"id"`
				Rev    string `json:"rev"`
				Error  string `json:"error"`
				Reason string `json:"reason"`
			} `json:"error,omitempty"`
		}{{OK: doc}}
	}
	return resp, nil
}

func (f *fakeClient) PostBulkDocs(ctx context.Context, docs []json.RawMessage, newEdits *bool) ([]couchclient.BulkDocsResult, error) {
	return nil, nil
}

func (f *fakeClient) PostAllDocs(ctx context.Context, limit int, startKey string, includeDocs, attachments bool) (couchclient.AllDocsResponse, error) {
	if f.allDocsCall >= len(f.allDocsPages) {
		return couchclient.AllDocsResponse{}, nil
	}
	page := f.allDocsPages[f.allDocsCall]
	f.allDocsCall++

	var resp couchclient.AllDocsResponse
	resp.TotalRows = int64(len(page))
	resp.Rows = make([]struct {
		ID  string          `json:"id"`
		Doc json.RawMessage `json:"doc"`
	}, len(page))
	for i, id := range page {
		doc, _ := json.Marshal(map[string]string{"_id": id})
		resp.Rows[i].ID = id
		resp.Rows[i].Doc = doc
	}
	return resp, nil
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunFullResumeRequiresCompleteChanges(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "backup.log")
	writeLog(t, logPath, ":t batch0 [{\"id\":\"a\"}]\n")

	cl := &fakeClient{}
	var target bytes.Buffer

	_, err := Run(context.Background(), cl, &target, Options{
		Parallelism: 2,
		BufferSize:  10,
		Mode:        config.ModeFull,
		Resume:      true,
		LogPath:     logPath,
	}, Quiet())

	require.Error(t, err)
	var cbErr *cberrors.CouchBackupError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, cberrors.KindIncompleteChangesInLog, cbErr.Kind)
}

func TestRunFullResumeProcessesOnlyPendingBatches(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "backup.log")
	writeLog(t, logPath, strings.Join([]string{
		`:t batch0 [{"id":"a"},{"id":"b"}]`,
		`:d batch0`,
		`:t batch1 [{"id":"c"}]`,
		`:changes_complete 3-seq`,
		"",
	}, "\n"))

	cl := &fakeClient{}
	var target bytes.Buffer

	result, err := Run(context.Background(), cl, &target, Options{
		Parallelism: 3,
		BufferSize:  10,
		Mode:        config.ModeFull,
		Resume:      true,
		LogPath:     logPath,
	}, Quiet())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Total, "only batch1's one doc should be downloaded, batch0 is already :d")
	assert.Contains(t, target.String(), `"_id":"c"`)
	assert.NotContains(t, target.String(), `"_id":"a"`)

	updated, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(updated), ":d batch1")
}

func TestRunFullBulkGetProbeFailureAborts(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "backup.log")

	cl := &fakeClient{bulkGetErr: cberrors.NewBulkGetError(fmt.Errorf("boom"))}
	var target bytes.Buffer

	_, err := Run(context.Background(), cl, &target, Options{
		Parallelism: 2,
		BufferSize:  10,
		Mode:        config.ModeFull,
		Resume:      true,
		LogPath:     logPath,
	}, Quiet())

	require.Error(t, err)
	var cbErr *cberrors.CouchBackupError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, cberrors.KindBulkGetError, cbErr.Kind)
}

func TestRunFullRespectsParallelismWidth(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "backup.log")

	var lines []string
	for i := 0; i < 6; i++ {
		lines = append(lines, fmt.Sprintf(`:t batch%d [{"id":"doc%d"}]`, i, i))
	}
	lines = append(lines, ":changes_complete 6-seq", "")
	writeLog(t, logPath, strings.Join(lines, "\n"))

	cl := &fakeClient{}
	var target bytes.Buffer

	result, err := Run(context.Background(), cl, &target, Options{
		Parallelism: 2,
		BufferSize:  10,
		Mode:        config.ModeFull,
		Resume:      true,
		LogPath:     logPath,
	}, Quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(6), result.Total)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&cl.maxConcurrent)), 2)
}

func TestRunShallowPaginatesUntilShortPage(t *testing.T) {
	cl := &fakeClient{
		allDocsPages: [][]string{
			{"a", "b"},
			{"c"},
		},
	}
	var target bytes.Buffer

	result, err := Run(context.Background(), cl, &target, Options{
		BufferSize: 2,
		Mode:       config.ModeShallow,
	}, Quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Total)

	lines := strings.Split(strings.TrimSpace(target.String()), "\n")
	require.Len(t, lines, 2, "one JSON-array line per page")
	assert.Contains(t, lines[0], `"_id":"a"`)
	assert.Contains(t, lines[1], `"_id":"c"`)
}

func TestRunShallowStopsImmediatelyOnEmptyDatabase(t *testing.T) {
	cl := &fakeClient{allDocsPages: [][]string{}}
	var target bytes.Buffer

	result, err := Run(context.Background(), cl, &target, Options{
		BufferSize: 100,
		Mode:       config.ModeShallow,
	}, Quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Total)
	assert.Empty(t, target.String())
}
