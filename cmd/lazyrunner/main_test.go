package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func testGlobals(t *testing.T) *globals {
	return &globals{cacheDir: t.TempDir(), logFormat: "json"}
}

func TestRunJSON(t *testing.T) {
	g := testGlobals(t)
	out := execute(t, newRunCmd(g), "process", "data", "--json", "--run-id", "r1", "-s", "process.add_to_x=4")

	var got struct {
		RunID   string         `json:"run_id"`
		Results map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, float64(5), got.Results["process"])
	assert.Contains(t, got.Results, "data")
}

func TestRunTableReusesDiskCache(t *testing.T) {
	g := testGlobals(t)
	execute(t, newRunCmd(g), "process", "-q")

	out := execute(t, newRunCmd(g), "process", "-q", "-p", "process.return_b")
	assert.Contains(t, out, "process")
	assert.Contains(t, out, "run")

	out = execute(t, newRunCmd(g), "process", "-q")
	assert.Contains(t, out, "disk")
}

func TestKeysAndGraph(t *testing.T) {
	g := testGlobals(t)
	out := execute(t, newKeysCmd(g), "process")
	assert.Contains(t, out, "MODULE")
	assert.Contains(t, out, "process")

	out = execute(t, newGraphCmd(g), "process", "--format", "mermaid")
	assert.True(t, strings.HasPrefix(out, "graph LR\n"))

	out = execute(t, newGraphCmd(g), "process", "--format", "stats", "--execute")
	assert.Contains(t, out, "run: 2")
}

func TestParamsCommand(t *testing.T) {
	g := testGlobals(t)
	out := execute(t, newParamsCmd(g), "data", "-o", "json", "-p", "data.set_x_2")

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, float64(2), got["x"])
}

func TestCacheCommands(t *testing.T) {
	g := testGlobals(t)
	execute(t, newRunCmd(g), "process", "-q")

	out := execute(t, newCacheCmd(g), "stats")
	assert.Contains(t, out, "data")
	assert.Contains(t, out, "total")

	out = execute(t, newCacheCmd(g), "clean", "data")
	assert.Contains(t, out, "Removed")
}

func TestPrintTable(t *testing.T) {
	var b bytes.Buffer
	printTable(&b, []string{"A", "LONGER"}, [][]string{{"value", "x"}})
	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "LONGER"), strings.Index(lines[1], "x"))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "a=1 b=2", summarize(map[string]string{"b": "2", "a": "1"}))
	assert.Len(t, summarize(map[string]string{"k": strings.Repeat("v", 100)}), 60)
}

func TestFormatResult(t *testing.T) {
	assert.Equal(t, "3", formatResult(int64(3)))
	assert.Equal(t, `{"a":1}`, formatResult(map[string]any{"a": 1}))
}
