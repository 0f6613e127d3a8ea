package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventKind tags a parsed stream event.
type EventKind string

const (
	EventText              EventKind = "text"
	EventToolUse           EventKind = "toolUse"
	EventToolResult        EventKind = "toolResult"
	EventError             EventKind = "error"
	EventPermissionRequest EventKind = "permissionRequest"
	EventTokenUsage        EventKind = "tokenUsage"
	EventTerminator        EventKind = "terminator"
	// EventRaw carries a line that was not valid JSON. It is passed through
	// to the callback and never raises an error.
	EventRaw EventKind = "raw"
)

// TokenUsage is the token accounting reported on result events.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add folds another usage report into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Event is one parsed item from the subprocess stream.
type Event struct {
	Kind      EventKind
	Text      string
	Tool      string
	ToolInput json.RawMessage
	RequestID string
	Usage     *TokenUsage
	IsError   bool
}

// StreamResult aggregates a full subprocess stream.
type StreamResult struct {
	// Text is the concatenated assistant text, scanned for inline tags.
	Text string
	// ResultText is the final result payload, when the CLI reported one.
	ResultText string
	// Usage is the accumulated token usage across result events.
	Usage TokenUsage
}

// streamLine is the top-level JSON structure of one stream-json line.
type streamLine struct {
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
	Message   json.RawMessage `json:"message"`
	Result    json.RawMessage `json:"result"`
	Usage     *TokenUsage     `json:"usage"`
	IsError   bool            `json:"is_error"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
	Content   []contentBlock  `json:"content"`
	SessionID string          `json:"session_id"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type nestedEvent struct {
	Type         string        `json:"type"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *deltaBlock   `json:"delta"`
}

type deltaBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

type toolUseRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

// streamState tracks tool-use accumulation across delta events.
type streamState struct {
	toolName string
	inputBuf strings.Builder
}

func parsedEvents(parsed *streamLine, ss *streamState) []Event {
	switch parsed.Type {
	case "stream_event":
		return nestedEvents(parsed, ss)

	case "assistant":
		var events []Event
		if parsed.Message != nil {
			var msg assistantMessage
			if err := json.Unmarshal(parsed.Message, &msg); err == nil {
				for _, block := range msg.Content {
					switch block.Type {
					case "tool_use":
						events = append(events, Event{Kind: EventToolUse, Tool: block.Name, ToolInput: block.Input})
					}
				}
			}
		}
		return events

	case "user":
		var events []Event
		for _, block := range parsed.Content {
			if block.Type == "tool_result" {
				events = append(events, Event{Kind: EventToolResult, Tool: block.ToolUseID, IsError: parsed.IsError})
			}
		}
		if parsed.IsError && len(events) == 0 {
			events = append(events, Event{Kind: EventError})
		}
		return events

	case "control_request":
		var req toolUseRequest
		if parsed.Request != nil {
			if err := json.Unmarshal(parsed.Request, &req); err != nil {
				return nil
			}
		}
		if req.Subtype != "can_use_tool" {
			return nil
		}
		return []Event{{
			Kind:      EventPermissionRequest,
			RequestID: parsed.RequestID,
			Tool:      req.ToolName,
			ToolInput: req.Input,
		}}

	case "result":
		events := []Event{}
		if parsed.Usage != nil {
			events = append(events, Event{Kind: EventTokenUsage, Usage: parsed.Usage})
		}
		text := ""
		if parsed.Result != nil {
			// The result payload is usually a plain string.
			var s string
			if err := json.Unmarshal(parsed.Result, &s); err == nil {
				text = s
			}
		}
		events = append(events, Event{Kind: EventTerminator, Text: text, IsError: parsed.IsError})
		return events
	}
	return nil
}

func nestedEvents(parsed *streamLine, ss *streamState) []Event {
	if parsed.Event == nil {
		return nil
	}
	var nested nestedEvent
	if err := json.Unmarshal(parsed.Event, &nested); err != nil {
		return nil
	}

	switch nested.Type {
	case "content_block_start":
		if ss != nil && nested.ContentBlock != nil && nested.ContentBlock.Type == "tool_use" {
			ss.toolName = nested.ContentBlock.Name
			ss.inputBuf.Reset()
		}
	case "content_block_delta":
		if nested.Delta == nil {
			return nil
		}
		switch nested.Delta.Type {
		case "text_delta":
			return []Event{{Kind: EventText, Text: nested.Delta.Text}}
		case "input_json_delta":
			if ss != nil {
				ss.inputBuf.WriteString(nested.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		if ss != nil && ss.toolName != "" {
			ev := Event{Kind: EventToolUse, Tool: ss.toolName, ToolInput: json.RawMessage(ss.inputBuf.String())}
			ss.toolName = ""
			ss.inputBuf.Reset()
			return []Event{ev}
		}
	}
	return nil
}

// processStream reads stream-json lines from stdout and forwards every
// parsed event to onEvent. It returns the aggregated result when the stream
// ends or the context is cancelled.
func processStream(ctx context.Context, stdout io.Reader, onEvent func(Event)) (*StreamResult, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var result StreamResult
	var textBuf strings.Builder
	var ss streamState

	for scanner.Scan() {
		if ctx.Err() != nil {
			result.Text = textBuf.String()
			return &result, ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var parsed streamLine
		var events []Event
		if err := json.Unmarshal(line, &parsed); err != nil {
			events = []Event{{Kind: EventRaw, Text: string(line)}}
		} else {
			events = parsedEvents(&parsed, &ss)
		}

		for _, ev := range events {
			switch ev.Kind {
			case EventText:
				textBuf.WriteString(ev.Text)
			case EventTokenUsage:
				result.Usage.Add(*ev.Usage)
			case EventTerminator:
				result.ResultText = ev.Text
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		result.Text = textBuf.String()
		return &result, fmt.Errorf("reading stream: %w", err)
	}
	result.Text = textBuf.String()
	return &result, nil
}

// ToolUseSummary extracts the most informative field from a tool's input
// JSON for inline display.
func ToolUseSummary(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(input, &obj); err != nil {
		return string(input)
	}

	var key string
	switch toolName {
	case "Bash":
		key = "command"
	case "Read", "Write", "Edit":
		key = "file_path"
	case "Grep", "Glob":
		key = "pattern"
	default:
		for _, v := range obj {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return string(input)
	}

	if v, ok := obj[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return string(input)
}
