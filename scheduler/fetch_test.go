package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-forks/data-core/dsl"
)

func TestDecodeItemsJSONArray(t *testing.T) {
	items, err := decodeItems(&dsl.FormatConfig{FormatType: "json"}, []byte(`[{"a":1},{"a":2}]`))
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.EqualValues(t, 1, items[0]["a"])
}

func TestDecodeItemsJSONSingleObjectBecomesOneItem(t *testing.T) {
	items, err := decodeItems(&dsl.FormatConfig{FormatType: "json"}, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDecodeItemsCSVWithHeader(t *testing.T) {
	items, err := decodeItems(&dsl.FormatConfig{FormatType: "csv", HasHeader: true}, []byte("name,age\nalice,30\nbob,40\n"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "alice", items[0]["name"])
	assert.Equal(t, "40", items[1]["age"])
}

func TestDecodeItemsCSVWithoutHeaderUsesPositionalColumns(t *testing.T) {
	items, err := decodeItems(&dsl.FormatConfig{FormatType: "csv", HasHeader: false}, []byte("x,1\ny,2\n"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "x", items[0]["col0"])
}

func TestDecodeItemsUnsupportedFormat(t *testing.T) {
	_, err := decodeItems(&dsl.FormatConfig{FormatType: "xml"}, []byte(""))
	assert.Error(t, err)
}

func TestFetchRawItemsRejectsNonFormatFirstStep(t *testing.T) {
	program := &dsl.Program{Steps: []dsl.Step{{From: dsl.From{Type: dsl.FromKindTrigger}}}}
	_, err := FetchRawItems(nil, program)
	assert.Error(t, err)
}

func TestFetchRawItemsRejectsEmptyProgram(t *testing.T) {
	_, err := FetchRawItems(nil, &dsl.Program{})
	assert.Error(t, err)
}
