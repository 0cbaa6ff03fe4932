package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
)

const parseErrorExcerptLen = 200

var (
	fencedBlockRe  = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
	grantsObjectRe = regexp.MustCompile(`\{[\s\S]*"grants"[\s\S]*\}`)
	bareArrayRe    = regexp.MustCompile(`\[[\s\S]*\]`)
)

// ParseResult is the {grants, errors} payload recovered from one agent response.
type ParseResult struct {
	Grants   []map[string]any
	Errors   []string
	Strategy string
}

type parseStrategy struct {
	name string
	fn   func(text string) (any, bool)
}

// strategies run in this order; the first one that yields a value wins.
var strategies = []parseStrategy{
	{"direct", parseDirect},
	{"fenced", parseFenced},
	{"object", parseGrantsObject},
	{"array", parseBareArray},
}

// ParseResponse recovers grants and agent-reported errors from whatever the
// extraction client returned. It never fails; an unreadable payload yields
// zero grants and a single diagnostic error.
func ParseResponse(raw any) ParseResult {
	text := responseText(raw)

	for _, s := range strategies {
		parsed, ok := s.fn(text)
		if !ok {
			continue
		}
		res := payloadFromValue(parsed)
		res.Strategy = s.name
		return res
	}

	return ParseResult{
		Grants: []map[string]any{},
		Errors: []string{"Could not parse response: " + truncate(text, parseErrorExcerptLen)},
	}
}

// responseText picks the blob to interpret: a string as is, else the first
// of result.data, result, data, else the whole value.
func responseText(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	if m, ok := raw.(map[string]any); ok {
		if result, ok := m["result"].(map[string]any); ok && truthy(result["data"]) {
			return asText(result["data"])
		}
		if truthy(m["result"]) {
			return asText(m["result"])
		}
		if truthy(m["data"]) {
			return asText(m["data"])
		}
	}
	return asText(raw)
}

func asText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return stringify(v)
	}
	return string(b)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	default:
		return true
	}
}

// decodeStructured accepts only JSON objects and arrays.
func decodeStructured(text string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	}
	return nil, false
}

func parseDirect(text string) (any, bool) {
	return decodeStructured(text)
}

func parseFenced(text string) (any, bool) {
	m := fencedBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return decodeStructured(m[1])
}

func parseGrantsObject(text string) (any, bool) {
	span := grantsObjectRe.FindString(text)
	if span == "" {
		return nil, false
	}
	v, ok := decodeStructured(span)
	if !ok {
		return nil, false
	}
	if _, isObj := v.(map[string]any); !isObj {
		return nil, false
	}
	return v, true
}

func parseBareArray(text string) (any, bool) {
	span := bareArrayRe.FindString(text)
	if span == "" {
		return nil, false
	}
	v, ok := decodeStructured(span)
	if !ok {
		return nil, false
	}
	if _, isArr := v.([]any); !isArr {
		return nil, false
	}
	return v, true
}

func payloadFromValue(v any) ParseResult {
	res := ParseResult{Grants: []map[string]any{}, Errors: []string{}}

	var grants, errs []any
	switch t := v.(type) {
	case []any:
		grants = t
	case map[string]any:
		grants, _ = t["grants"].([]any)
		errs, _ = t["errors"].([]any)
	}

	for _, g := range grants {
		if obj, ok := g.(map[string]any); ok {
			res.Grants = append(res.Grants, obj)
		}
	}
	for _, e := range errs {
		if e == nil {
			continue
		}
		res.Errors = append(res.Errors, stringify(e))
	}
	return res
}
