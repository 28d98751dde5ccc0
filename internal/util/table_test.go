package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	columns := []TableColumn{
		{Header: "TRACK", Key: "track"},
		{Header: "SAMPLES", Key: "samples"},
	}
	RenderTable(&buf, columns, []map[string]interface{}{
		{"track": "video", "samples": 90},
		{"track": "audio", "samples": 141},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "TRACK SAMPLES", lines[0])
	assert.Equal(t, "----- -------", lines[1])
	assert.Equal(t, "video 90", lines[2])
	assert.Equal(t, "audio 141", lines[3])
}

func TestRenderTable_IgnoresANSIWidth(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	columns := []TableColumn{{Header: "STATE", Key: "state"}, {Header: "N", Key: "n"}}
	RenderTable(&buf, columns, []map[string]interface{}{
		{"state": color.New(color.FgGreen).Sprint("ok"), "n": 1},
	})

	assert.Equal(t, 5, columns[0].Width)
}

func TestRenderTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "A", Key: "a"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}
