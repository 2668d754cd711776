package logfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummariseTracksPendingAndDone(t *testing.T) {
	log := `:t batch0 [{"id":"a"}]
:t batch1 [{"id":"b"}]
:d batch0
:t batch2 [{"id":"c"}]
:changes_complete 5-seq
`
	summary, err := Summarise(strings.NewReader(log))
	require.NoError(t, err)
	assert.True(t, summary.ChangesComplete)
	assert.Equal(t, "5-seq", summary.LastSeq)
	assert.Equal(t, []uint32{1, 2}, summary.PendingBatches, "insertion order, batch0 removed by its :d")
}

func TestSummariseIncompleteWithoutSentinel(t *testing.T) {
	log := `:t batch0 [{"id":"a"}]
`
	summary, err := Summarise(strings.NewReader(log))
	require.NoError(t, err)
	assert.False(t, summary.ChangesComplete)
	assert.Equal(t, []uint32{0}, summary.PendingBatches)
}

func TestSummariseIgnoresGarbageLines(t *testing.T) {
	log := "not a log line\n:t batch0 [{\"id\":\"a\"}]\ngarbage\n:changes_complete 1\n"
	summary, err := Summarise(strings.NewReader(log))
	require.NoError(t, err)
	assert.True(t, summary.ChangesComplete)
	assert.Equal(t, []uint32{0}, summary.PendingBatches)
}
