// ABOUTME: Parses agent transcript JSONL lines into typed events.
// ABOUTME: File parsing consumes only complete lines so offsets are replay-safe.

package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Parser turns raw transcript lines into events. It carries one piece of
// state: the last working directory seen, used to emit ProjectContext only
// when the value changes. A Parser is not safe for concurrent use; each
// watched file gets its own.
type Parser struct {
	lastCwd string
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseLine parses a single JSONL line. Malformed JSON and unrecognized
// record types yield an empty slice, never an error.
func (p *Parser) ParseLine(line string) []Event {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil
	}

	var events []Event
	switch raw["type"] {
	case "assistant":
		events = parseAssistant(raw)
	case "user":
		events = parseUser(raw)
	case "system":
		events = parseSystem(raw)
	case "progress":
		events = parseProgress(raw)
	case "summary":
		events = []Event{Summary{record{raw}, str(raw["summary"])}}
	}

	// Newer transcript formats embed cwd on every line rather than in a
	// dedicated init event. Dedup by last-seen value so consumers aren't
	// flooded with no-op context events.
	if !hasProjectContext(events) {
		if cwd := str(raw["cwd"]); cwd != "" && cwd != p.lastCwd {
			p.lastCwd = cwd
			events = append(events, ProjectContext{record{raw}, cwd, ProjectNameFromCwd(cwd)})
		}
	}

	return events
}

// ParseFile parses a JSONL file starting at the given byte offset and returns
// the events plus the new offset. Only lines terminated by a newline are
// consumed: a trailing partial line (a concurrent writer mid-append) is left
// for the next call, so the returned offset never splits a line.
func (p *Parser) ParseFile(path string, offset int64) ([]Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seeking transcript: %w", err)
	}
	data, err := readAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("reading transcript: %w", err)
	}
	if len(data) == 0 {
		return nil, offset, nil
	}

	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL == -1 {
		// No complete line yet.
		return nil, offset, nil
	}
	consumed := data[:lastNL+1]
	newOffset := offset + int64(len(consumed))

	var events []Event
	for _, line := range strings.Split(string(consumed), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		events = append(events, p.ParseLine(line)...)
	}
	return events, newOffset, nil
}

func readAll(f *os.File) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseAssistant(raw map[string]any) []Event {
	message, _ := raw["message"].(map[string]any)
	model := str(message["model"])

	blocks := contentBlocks(message["content"])
	var events []Event
	for _, block := range blocks {
		switch block["type"] {
		case "text":
			events = append(events, AssistantText{record{raw}, str(block["text"]), model})
		case "thinking":
			events = append(events, Thinking{record{raw}, str(block["thinking"])})
		case "tool_use":
			name := str(block["name"])
			input, _ := block["input"].(map[string]any)
			events = append(events, ToolUse{
				record:     record{raw},
				ToolName:   name,
				ToolUseID:  str(block["id"]),
				Input:      input,
				IsTaskTool: name == "Task",
			})
		}
	}
	return events
}

func parseUser(raw map[string]any) []Event {
	message, _ := raw["message"].(map[string]any)
	switch content := message["content"].(type) {
	case string:
		return []Event{UserMessage{record{raw}, content}}
	case []any:
		var events []Event
		for _, item := range content {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "tool_result":
				events = append(events, ToolResult{
					record:    record{raw},
					ToolUseID: str(block["tool_use_id"]),
					Content:   truncate(stringify(block["content"]), toolResultMaxLen),
				})
			case "text":
				events = append(events, UserMessage{record{raw}, str(block["text"])})
			}
		}
		return events
	}
	return nil
}

func parseSystem(raw map[string]any) []Event {
	switch raw["subtype"] {
	case "turn_duration":
		ms, _ := raw["durationMs"].(float64)
		return []Event{TurnComplete{record{raw}, time.Duration(ms) * time.Millisecond}}
	case "init":
		if cwd := str(raw["cwd"]); cwd != "" {
			return []Event{ProjectContext{record{raw}, cwd, ProjectNameFromCwd(cwd)}}
		}
	}
	return nil
}

// parseProgress handles nested progress records. Sub-agent progress wraps
// one inner assistant message; nesting is not recursed beyond that.
func parseProgress(raw map[string]any) []Event {
	parentID := str(raw["parentToolUseID"])
	nested, _ := raw["data"].(map[string]any)

	switch nested["type"] {
	case "bash_progress":
		return []Event{BashProgress{record{raw}, str(nested["command"]), str(nested["output"])}}
	case "hook_progress":
		return []Event{HookProgress{record{raw}, str(nested["hookName"])}}
	case "agent_progress":
		var inner Event
		if msg, ok := nested["message"].(map[string]any); ok && msg["type"] == "assistant" {
			if innerEvents := parseAssistant(msg); len(innerEvents) > 0 {
				inner = innerEvents[0]
			}
		}
		return []Event{SubAgentProgress{record{raw}, parentID, inner}}
	}
	return []Event{SubAgentProgress{record{raw}, parentID, nil}}
}

// contentBlocks normalizes a message content field: a bare string becomes a
// single text block.
func contentBlocks(content any) []map[string]any {
	switch c := content.(type) {
	case string:
		return []map[string]any{{"type": "text", "text": c}}
	case []any:
		blocks := make([]map[string]any, 0, len(c))
		for _, item := range c {
			if block, ok := item.(map[string]any); ok {
				blocks = append(blocks, block)
			}
		}
		return blocks
	}
	return nil
}

func hasProjectContext(events []Event) bool {
	for _, ev := range events {
		if _, ok := ev.(ProjectContext); ok {
			return true
		}
	}
	return false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// stringify renders tool result content, which may be a string or a list of
// content blocks, as plain text.
func stringify(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			if block, ok := item.(map[string]any); ok && block["type"] == "text" {
				parts = append(parts, str(block["text"]))
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
