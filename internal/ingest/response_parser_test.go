package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_FencedBlockBeatsDirect(t *testing.T) {
	input := "Here is the result:\n```json\n{\"grants\":[{\"grant_title\":\"X\"}],\"errors\":[]}\n```"

	res := ParseResponse(input)

	assert.Equal(t, "fenced", res.Strategy)
	require.Len(t, res.Grants, 1)
	assert.Equal(t, "X", res.Grants[0]["grant_title"])
	assert.Empty(t, res.Errors)
}

func TestParseResponse_Strategies(t *testing.T) {
	tests := []struct {
		name         string
		input        any
		wantStrategy string
		wantGrants   int
		wantErrors   []string
	}{
		{
			name:         "direct object",
			input:        `{"grants":[{"grant_title":"A"},{"grant_title":"B"}],"errors":[]}`,
			wantStrategy: "direct",
			wantGrants:   2,
			wantErrors:   []string{},
		},
		{
			name:         "direct array",
			input:        `[{"grant_title":"A"}]`,
			wantStrategy: "direct",
			wantGrants:   1,
			wantErrors:   []string{},
		},
		{
			name:         "fence without language tag",
			input:        "```\n[{\"grant_title\":\"A\"}]\n```",
			wantStrategy: "fenced",
			wantGrants:   1,
			wantErrors:   []string{},
		},
		{
			name:         "object embedded in prose",
			input:        `I found these: {"grants":[{"grant_title":"A"}],"errors":["page 2 timed out"]} hope that helps`,
			wantStrategy: "object",
			wantGrants:   1,
			wantErrors:   []string{"page 2 timed out"},
		},
		{
			name:         "bare array in prose",
			input:        `Results: [{"grant_title":"A"},{"grant_title":"B"}] end`,
			wantStrategy: "array",
			wantGrants:   2,
			wantErrors:   []string{},
		},
		{
			name:         "no grants reported",
			input:        map[string]any{"grants": []any{}, "errors": []any{"No grants found on this page"}},
			wantStrategy: "direct",
			wantGrants:   0,
			wantErrors:   []string{"No grants found on this page"},
		},
		{
			name:         "wrapped under result.data as string",
			input:        map[string]any{"result": map[string]any{"data": `{"grants":[{"title":"A"}]}`}},
			wantStrategy: "direct",
			wantGrants:   1,
			wantErrors:   []string{},
		},
		{
			name:         "wrapped under result",
			input:        map[string]any{"result": map[string]any{"grants": []any{map[string]any{"title": "A"}}}},
			wantStrategy: "direct",
			wantGrants:   1,
			wantErrors:   []string{},
		},
		{
			name:         "wrapped under data",
			input:        map[string]any{"data": "```json\n{\"grants\":[{\"title\":\"A\"}]}\n```"},
			wantStrategy: "fenced",
			wantGrants:   1,
			wantErrors:   []string{},
		},
		{
			name:         "grants field not a list",
			input:        `{"grants":"none","errors":"oops"}`,
			wantStrategy: "direct",
			wantGrants:   0,
			wantErrors:   []string{},
		},
		{
			name:         "non-object entries skipped and non-string errors stringified",
			input:        `{"grants":[{"title":"A"},"junk",null,3],"errors":[{"code":429},5]}`,
			wantStrategy: "direct",
			wantGrants:   1,
			wantErrors:   []string{`{"code":429}`, "5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseResponse(tt.input)
			assert.Equal(t, tt.wantStrategy, res.Strategy)
			assert.Len(t, res.Grants, tt.wantGrants)
			assert.Equal(t, tt.wantErrors, res.Errors)
		})
	}
}

func TestParseResponse_Unparseable(t *testing.T) {
	input := "The page could not be loaded. " + strings.Repeat("z", 500)

	res := ParseResponse(input)

	assert.Empty(t, res.Strategy)
	assert.Empty(t, res.Grants)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "Could not parse response: The page could not be loaded."))
	assert.Len(t, res.Errors[0], len("Could not parse response: ")+parseErrorExcerptLen)
}

func TestParseResponse_ScalarJSONIsNotAPayload(t *testing.T) {
	res := ParseResponse(`"just a string"`)
	assert.Empty(t, res.Grants)
	require.Len(t, res.Errors, 1)
}

func TestParseStrategiesInIsolation(t *testing.T) {
	_, ok := parseDirect("prose {\"grants\":[]}")
	assert.False(t, ok)

	_, ok = parseFenced("no fence here")
	assert.False(t, ok)

	_, ok = parseGrantsObject(`{"items":[]}`)
	assert.False(t, ok, "object span must mention grants")

	_, ok = parseBareArray(`[not json]`)
	assert.False(t, ok)

	v, ok := parseBareArray(`x [1, 2] y`)
	require.True(t, ok)
	assert.Len(t, v, 2)
}
