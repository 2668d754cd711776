package linef

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerSplitsOnNewline(t *testing.T) {
	r := strings.NewReader("one\ntwo\nthree\n")
	var lines []string
	require.NoError(t, ForEach(r, false, func(l Line) error {
		lines = append(lines, l.Text)
		return nil
	}))
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestFramerTrimsCRLF(t *testing.T) {
	r := strings.NewReader("one\r\ntwo\r\n")
	var lines []string
	require.NoError(t, ForEach(r, false, func(l Line) error {
		lines = append(lines, l.Text)
		return nil
	}))
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestFramerKeepsFinalLineWithoutTrailingNewline(t *testing.T) {
	r := strings.NewReader("one\ntwo")
	var lines []string
	require.NoError(t, ForEach(r, false, func(l Line) error {
		lines = append(lines, l.Text)
		return nil
	}))
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestFramerNumbersAreOneBased(t *testing.T) {
	r := strings.NewReader("a\nb\nc\n")
	var numbers []int
	require.NoError(t, ForEach(r, true, func(l Line) error {
		numbers = append(numbers, l.Number)
		return nil
	}))
	assert.Equal(t, []int{1, 2, 3}, numbers)
}

func TestFramerPreservesBlankTrailingLine(t *testing.T) {
	r := strings.NewReader("a\n\n")
	var lines []string
	require.NoError(t, ForEach(r, false, func(l Line) error {
		lines = append(lines, l.Text)
		return nil
	}))
	assert.Equal(t, []string{"a", ""}, lines)
}

func TestForEachStopsOnCallbackError(t *testing.T) {
	r := strings.NewReader("a\nb\nc\n")
	calls := 0
	err := ForEach(r, false, func(l Line) error {
		calls++
		if l.Text == "b" {
			return assert.AnError
		}
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}
