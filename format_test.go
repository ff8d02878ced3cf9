package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"ID", "TYPE", "OP"}
	rows := [][]string{
		{"op-1", "vehicle", "create"},
		{"op-22", "maintenance", "update"},
	}

	printTable(&buf, headers, rows)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID     TYPE"))
	assert.Contains(t, lines[1], "vehicle")
	assert.Contains(t, lines[2], "maintenance  update")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"updated": 2}))
	assert.Equal(t, "{\n  \"updated\": 2\n}\n", buf.String())
}

func TestStatusf_Quiet(t *testing.T) {
	var buf bytes.Buffer

	cc := &CLIContext{Err: &buf}
	cc.Statusf("hello %d\n", 1)
	assert.Equal(t, "hello 1\n", buf.String())

	buf.Reset()
	cc.Flags.Quiet = true
	cc.Statusf("hidden\n")
	assert.Empty(t, buf.String())
}
