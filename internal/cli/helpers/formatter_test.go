package helpers

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	Name    string `header:"NAME" json:"name"`
	Address uint64 `header:"ADDRESS" format:"0x%x" json:"address"`
	Hidden  string `json:"-"`
}

func TestNewFormatter(t *testing.T) {
	for _, format := range []OutputFormat{FormatTable, FormatJSON} {
		f, err := NewFormatter(format)
		require.NoError(t, err)
		assert.NotNil(t, f)
	}

	_, err := NewFormatter("csv")
	assert.Error(t, err)
}

func TestTableFormatter(t *testing.T) {
	var buf bytes.Buffer
	rows := []testRow{{Name: "open", Address: 0x1000, Hidden: "x"}, {Name: "close", Address: 0x2000}}

	require.NoError(t, (&TableFormatter{}).Format(rows, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "ADDRESS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"open", "0x1000"}, strings.Fields(lines[1]))
	assert.NotContains(t, buf.String(), "x\n")
}

func TestTableFormatterRejectsNonSlice(t *testing.T) {
	assert.Error(t, (&TableFormatter{}).Format(testRow{}, &bytes.Buffer{}))
}

func TestTableFormatterEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format([]testRow{}, &buf))
	assert.Empty(t, buf.String())
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Format([]testRow{{Name: "open", Address: 16}}, &buf))
	assert.JSONEq(t, `[{"name":"open","address":16}]`, buf.String())
}
