package event

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// permissionDeniedPattern matches the nested notice the assistant binary
// embeds in a "user" event when a tool call was rejected for lack of
// permission. Group 1 is the tool name.
var permissionDeniedPattern = regexp.MustCompile(`requested permissions to use ([A-Za-z0-9_]+), but you haven't granted it yet`)

// stderrErrorPattern flags stderr lines worth promoting to an Error
// event instead of a verbose log line (Supervisor effect 4 in §4.2).
var stderrErrorPattern = regexp.MustCompile(`(?i)error`)

// wireLine is the loosely-typed shape every NDJSON line parses into
// before Translate interprets it according to its Type tag.
type wireLine struct {
	Type string `json:"type"`

	// system/init
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`

	// assistant
	Message *wireMessage `json:"message"`

	// result
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`

	// error
	Error *wireError `json:"error"`
}

type wireMessage struct {
	Content []wireContentBlock `json:"content"`
}

type wireContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
	// user-message nested text, used for permission-denied scanning
	Content string `json:"content"`
}

type wireError struct {
	Message string `json:"message"`
}

// Decode parses a single NDJSON line. A malformed line returns an
// error; the caller (Supervisor's stdout reader) logs and continues —
// Decode never panics and never consumes more than one line.
func Decode(line []byte) (any, error) {
	var w wireLine
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("event: decode line: %w", err)
	}
	return &w, nil
}

// Translate converts a decoded line into zero or more of the
// orchestrator's Event union, per the dispatch table below. The second
// return value is false for unknown/ignored wire types (forward
// compatibility) and for lines that carry no actionable information
// (e.g. a "user" line with no permission-denied notice). An "assistant"
// line can translate to more than one event — text interleaved with a
// tool_use in the same content array each produce their own event, in
// content order.
func Translate(tabID string, decoded any) ([]Event, bool) {
	w, ok := decoded.(*wireLine)
	if !ok || w == nil {
		return nil, false
	}

	switch w.Type {
	case "system":
		if w.Subtype == "init" && w.SessionID != "" {
			return []Event{{Kind: KindSessionStarted, TabID: tabID, SessionID: w.SessionID}}, true
		}
		return nil, false

	case "assistant":
		return translateAssistant(tabID, w)

	case "user":
		return translatePermissionDenied(tabID, w)

	case "result":
		if w.IsError {
			return []Event{{Kind: KindError, TabID: tabID, SessionID: w.SessionID, Text: w.Result}}, true
		}
		return []Event{{Kind: KindStreamEnd, TabID: tabID, SessionID: w.SessionID}}, true

	case "error":
		msg := ""
		if w.Error != nil {
			msg = w.Error.Message
		}
		return []Event{{Kind: KindError, TabID: tabID, SessionID: w.SessionID, Text: msg}}, true

	default:
		return nil, false
	}
}

// translateAssistant emits one event per translatable content block —
// the assistant binary routinely packs a text block and one or more
// tool_use blocks into a single line, and every block needs to reach
// the Router.
func translateAssistant(tabID string, w *wireLine) ([]Event, bool) {
	if w.Message == nil || len(w.Message.Content) == 0 {
		return nil, false
	}
	var events []Event
	for _, block := range w.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			events = append(events, Event{Kind: KindStreamText, TabID: tabID, SessionID: w.SessionID, Text: block.Text})
		case "tool_use":
			if kind, reserved := ReservedToolNames[block.Name]; reserved {
				events = append(events, Event{
					Kind:      kind,
					TabID:     tabID,
					SessionID: w.SessionID,
					ToolName:  block.Name,
					Control:   parseControlPayload(block.Input),
				})
				continue
			}
			events = append(events, Event{Kind: KindToolUse, TabID: tabID, SessionID: w.SessionID, ToolName: block.Name})
		}
	}
	return events, len(events) > 0
}

func parseControlPayload(input json.RawMessage) *ControlPayload {
	if len(input) == 0 {
		return &ControlPayload{}
	}
	var p ControlPayload
	_ = json.Unmarshal(input, &p)
	return &p
}

func translatePermissionDenied(tabID string, w *wireLine) ([]Event, bool) {
	if w.Message == nil {
		return nil, false
	}
	for _, block := range w.Message.Content {
		text := block.Text
		if text == "" {
			text = block.Content
		}
		if m := permissionDeniedPattern.FindStringSubmatch(text); m != nil {
			return []Event{{Kind: KindToolPermissionDenied, TabID: tabID, SessionID: w.SessionID, ToolName: m[1]}}, true
		}
	}
	return nil, false
}

// ClassifyStderrLine reports whether a stderr line should be promoted
// to an Error event (Supervisor effect 4, §4.2) rather than merely
// logged at verbose level.
func ClassifyStderrLine(line string) bool {
	return stderrErrorPattern.MatchString(line)
}
