package agent

import (
	"encoding/json"
	"strings"
)

const dataMarker = "data:"

// event is one classified stream fragment. Variants that carry a result
// report it through payload; the scan keeps the last one that does.
type event interface {
	payload() (any, bool)
}

// completeEvent is {"type":"COMPLETE","resultJson":...}.
type completeEvent struct{ result any }

// resultEvent is a RESULT or COMPLETED event. The payload is the first
// present of resultJson, result and data, else the whole fragment.
type resultEvent struct{ result any }

// rawGrantsEvent is a fragment that already carries grants, directly or under data.
type rawGrantsEvent struct{ fragment map[string]any }

type unrecognizedEvent struct{}

func (e completeEvent) payload() (any, bool)   { return e.result, true }
func (e resultEvent) payload() (any, bool)     { return e.result, true }
func (e rawGrantsEvent) payload() (any, bool)  { return e.fragment, true }
func (unrecognizedEvent) payload() (any, bool) { return nil, false }

// classifiers run in order against every decoded fragment.
var classifiers = []func(map[string]any) (event, bool){
	classifyComplete,
	classifyResult,
	classifyRawGrants,
}

func classifyComplete(f map[string]any) (event, bool) {
	if f["type"] != "COMPLETE" {
		return nil, false
	}
	if v, ok := f["resultJson"]; ok && present(v) {
		return completeEvent{result: v}, true
	}
	return nil, false
}

func classifyResult(f map[string]any) (event, bool) {
	if f["type"] != "RESULT" && f["type"] != "COMPLETED" {
		return nil, false
	}
	for _, key := range []string{"resultJson", "result", "data"} {
		if v, ok := f[key]; ok && present(v) {
			return resultEvent{result: v}, true
		}
	}
	return resultEvent{result: f}, true
}

func classifyRawGrants(f map[string]any) (event, bool) {
	if present(f["grants"]) {
		return rawGrantsEvent{fragment: f}, true
	}
	if data, ok := f["data"].(map[string]any); ok && present(data["grants"]) {
		return rawGrantsEvent{fragment: f}, true
	}
	return nil, false
}

func classify(f map[string]any) event {
	for _, c := range classifiers {
		if ev, ok := c(f); ok {
			return ev
		}
	}
	return unrecognizedEvent{}
}

// present mirrors the agent's loose notion of a value being set.
func present(v any) bool {
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

// scanStream walks the event-stream body line by line and returns the
// payload of the last terminal event. Lines that are not data events, or
// whose JSON does not decode to an object, are skipped.
func scanStream(body string) (any, bool) {
	var (
		result any
		found  bool
	)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, dataMarker) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, dataMarker))
		if raw == "" {
			continue
		}

		var fragment map[string]any
		if err := json.Unmarshal([]byte(raw), &fragment); err != nil {
			continue
		}
		if p, ok := classify(fragment).payload(); ok {
			result, found = p, true
		}
	}
	return result, found
}

// decodeBody resolves the final payload: the last terminal event, else the
// whole body as JSON, else the raw text.
func decodeBody(body string) any {
	if result, ok := scanStream(body); ok {
		return result
	}
	var whole any
	if err := json.Unmarshal([]byte(body), &whole); err == nil && whole != nil {
		return whole
	}
	return body
}
