package logfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMetadataPending(t *testing.T) {
	rec, ok := ParseMetadata(`:t batch3 [{"id":"a"},{"id":"b"}]`)
	assert.True(t, ok)
	assert.Equal(t, CommandPending, rec.Command)
	assert.Equal(t, uint32(3), rec.Batch)
	assert.Nil(t, rec.Docs, "metadata parse must not touch the JSON payload")
}

func TestParseMetadataDone(t *testing.T) {
	rec, ok := ParseMetadata(":d batch3")
	assert.True(t, ok)
	assert.Equal(t, CommandDone, rec.Command)
	assert.Equal(t, uint32(3), rec.Batch)
}

func TestParseMetadataComplete(t *testing.T) {
	rec, ok := ParseMetadata(":changes_complete 12-abc")
	assert.True(t, ok)
	assert.Equal(t, CommandComplete, rec.Command)
	assert.Equal(t, "12-abc", rec.LastSeq)
}

func TestParseMetadataIgnoresNonColonLines(t *testing.T) {
	_, ok := ParseMetadata(`{"not":"a log line"}`)
	assert.False(t, ok)
}

func TestParseFullPendingDecodesDocs(t *testing.T) {
	rec, ok := ParseFull(`:t batch0 [{"id":"a"},{"id":"b"}]`)
	assert.True(t, ok)
	assert.Equal(t, CommandPending, rec.Command)
	assert.Equal(t, []PendingID{{ID: "a"}, {ID: "b"}}, rec.Docs)
}

func TestParseFullInvalidatesBrokenJSON(t *testing.T) {
	rec, ok := ParseFull(`:t batch0 not-json`)
	assert.False(t, ok)
	assert.Equal(t, Command(""), rec.Command)
}

func TestFormatRoundTrip(t *testing.T) {
	line, err := FormatPending(5, []PendingID{{ID: "x"}})
	assert.NoError(t, err)
	assert.Equal(t, `:t batch5 [{"id":"x"}]`, line)

	assert.Equal(t, ":d batch5", FormatDone(5))
	assert.Equal(t, ":changes_complete 9-xyz", FormatComplete("9-xyz"))
}

func TestParseBatchNumberRejectsMissingPrefix(t *testing.T) {
	_, ok := parseBatchNumber("5")
	assert.False(t, ok)
}
