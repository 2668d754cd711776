package restore

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/IBM/couchbackup-sub000/internal/backupfmt"
	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal couchclient.Client double recording every
// PostBulkDocs call it receives.
type fakeClient struct {
	mu    sync.Mutex
	calls [][]json.RawMessage
	edits []*bool
	err   error
}

func (f *fakeClient) HeadDatabase(ctx context.Context) error { return nil }

func (f *fakeClient) GetDatabaseInformation(ctx context.Context) (couchclient.DatabaseInfo, error) {
	return couchclient.DatabaseInfo{}, nil
}

func (f *fakeClient) PostChanges(ctx context.Context, seqInterval int) (io.ReadCloser, error) {
	return nil, nil
}

func (f *fakeClient) PostBulkGet(ctx context.Context, ids []string, revs bool) (couchclient.BulkGetResponse, error) {
	return couchclient.BulkGetResponse{}, nil
}

func (f *fakeClient) PostBulkDocs(ctx context.Context, docs []json.RawMessage, newEdits *bool) ([]couchclient.BulkDocsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, docs)
	f.edits = append(f.edits, newEdits)
	results := make([]couchclient.BulkDocsResult, len(docs))
	for i := range docs {
		results[i] = couchclient.BulkDocsResult{ID: "doc"}
	}
	return results, nil
}

func (f *fakeClient) PostAllDocs(ctx context.Context, limit int, startKey string, includeDocs, attachments bool) (couchclient.AllDocsResponse, error) {
	return couchclient.AllDocsResponse{}, nil
}

func (f *fakeClient) totalDocs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c)
	}
	return n
}

func header(t *testing.T) string {
	t.Helper()
	data, err := backupfmt.EncodeHeader(backupfmt.Header{Name: "couchbackup-sub000", Version: "1.0.0", Mode: "full"})
	require.NoError(t, err)
	return string(data)
}

func TestRunRestoresBasicBackupStream(t *testing.T) {
	stream := strings.Join([]string{
		header(t),
		`[{"_id":"a"},{"_id":"b"}]`,
		`[{"_id":"c"}]`,
		"",
	}, "\n")

	cl := &fakeClient{}
	result, err := Run(context.Background(), cl, strings.NewReader(stream), Options{Parallelism: 2}, Quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Total)
	assert.Equal(t, 3, cl.totalDocs())
}

func TestRunSendsNewEditsFalseWhenDocsCarryRev(t *testing.T) {
	stream := strings.Join([]string{
		header(t),
		`[{"_id":"a","_rev":"1-x"}]`,
		"",
	}, "\n")

	cl := &fakeClient{}
	_, err := Run(context.Background(), cl, strings.NewReader(stream), Options{Parallelism: 1}, Quiet())
	require.NoError(t, err)
	require.Len(t, cl.edits, 1)
	require.NotNil(t, cl.edits[0])
	assert.False(t, *cl.edits[0])
}

func TestRunOmitsNewEditsWhenDocsHaveNoRev(t *testing.T) {
	stream := strings.Join([]string{
		header(t),
		`[{"_id":"a"}]`,
		"",
	}, "\n")

	cl := &fakeClient{}
	_, err := Run(context.Background(), cl, strings.NewReader(stream), Options{Parallelism: 1}, Quiet())
	require.NoError(t, err)
	require.Len(t, cl.edits, 1)
	assert.Nil(t, cl.edits[0])
}

func TestRunToleratesOneBrokenLineImmediatelyAfterResumeMarker(t *testing.T) {
	marker, err := backupfmt.EncodeResumeMarker()
	require.NoError(t, err)

	// A pre-abort write can leave garbage bytes directly followed, with no
	// separating newline, by the next write's resume-marker bytes.
	brokenLine := `{"_id":"partial"` + string(marker)

	stream := strings.Join([]string{
		header(t),
		`[{"_id":"a"}]`,
		string(marker),
		brokenLine,
		`[{"_id":"b"}]`,
		"",
	}, "\n")

	cl := &fakeClient{}
	result, err := Run(context.Background(), cl, strings.NewReader(stream), Options{Parallelism: 1}, Quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Total)
}

func TestRunToleratesUnparsableLinesInLegacyFileWithNoHeader(t *testing.T) {
	stream := strings.Join([]string{
		`[{"_id":"a"}]`,
		`not json at all`,
		`[{"_id":"b"}]`,
		"",
	}, "\n")

	cl := &fakeClient{}
	result, err := Run(context.Background(), cl, strings.NewReader(stream), Options{Parallelism: 1}, Quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Total)
}

func TestRunFailsOnCorruptLineWithHeaderAndNoResumeMarker(t *testing.T) {
	stream := strings.Join([]string{
		header(t),
		`[{"_id":"a"}]`,
		`not json at all`,
		`[{"_id":"b"}]`,
		"",
	}, "\n")

	cl := &fakeClient{}
	_, err := Run(context.Background(), cl, strings.NewReader(stream), Options{Parallelism: 1}, Quiet())
	require.Error(t, err)
	var cbErr *cberrors.CouchBackupError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, cberrors.KindBackupFileJSONError, cbErr.Kind)
	assert.Equal(t, 1, cbErr.ExitCode())
}

func TestRunSkipsEmptyAndResumeMarkerLines(t *testing.T) {
	marker, err := backupfmt.EncodeResumeMarker()
	require.NoError(t, err)

	stream := strings.Join([]string{
		header(t),
		``,
		string(marker),
		`[{"_id":"a"}]`,
		"",
	}, "\n")

	cl := &fakeClient{}
	result, err := Run(context.Background(), cl, strings.NewReader(stream), Options{Parallelism: 1}, Quiet())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Total)
}
