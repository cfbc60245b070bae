// ABOUTME: Bridges spawned CLI turns to text: parses stream-json stdout
// ABOUTME: lines into chunks and collects a turn's full reply.

package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/proc"
)

// turnPollInterval is how often a collecting turn re-checks process state.
const turnPollInterval = 50 * time.Millisecond

// parseOutputLine extracts user-visible text chunks from one stream-json
// stdout line. Non-JSON lines and event types without text produce none.
func parseOutputLine(line string) []string {
	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return nil
	}

	switch data["type"] {
	case "assistant":
		message, _ := data["message"].(map[string]any)
		switch content := message["content"].(type) {
		case []any:
			var chunks []string
			for _, raw := range content {
				block, ok := raw.(map[string]any)
				if !ok || block["type"] != "text" {
					continue
				}
				if text, _ := block["text"].(string); text != "" {
					chunks = append(chunks, text)
				}
			}
			return chunks
		case string:
			if content != "" {
				return []string{content}
			}
		}
	case "content_block_delta":
		delta, _ := data["delta"].(map[string]any)
		if delta["type"] == "text_delta" {
			if text, _ := delta["text"].(string); text != "" {
				return []string{text}
			}
		}
	case "error":
		switch msg := data["error"].(type) {
		case map[string]any:
			text, _ := msg["message"].(string)
			if text == "" {
				text = fmt.Sprintf("%v", msg)
			}
			return []string{"[Error: " + text + "]"}
		default:
			return []string{fmt.Sprintf("[Error: %v]", msg)}
		}
	case "result":
		if isErr, _ := data["is_error"].(bool); isErr {
			text, _ := data["error"].(string)
			if text == "" {
				text = "unknown error"
			}
			return []string{"[Error: " + text + "]"}
		}
	}
	return nil
}

// runTurn spawns a one-shot turn and waits for the process to reach a
// terminal state or the context to expire. On expiry the process is killed
// and the partial text returned with the error.
//
// The reply is assembled from the process's recorded output lines, not a
// live output callback: the reader goroutine starts inside Spawn, so a fast
// CLI can emit its first lines before any callback could attach. The
// recorded lines are complete once the status turns terminal.
func runTurn(ctx context.Context, pm *proc.Manager, opts proc.SpawnOptions) (string, error) {
	processID, err := pm.Spawn(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("spawning turn: %w", err)
	}

	var lastLines []string
	ticker := time.NewTicker(turnPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if info, ok := pm.Get(processID); ok {
				lastLines = info.OutputLines
			}
			pm.Kill(processID)
			return renderReply(lastLines), fmt.Errorf("turn timed out: %w", ctx.Err())
		case <-ticker.C:
			info, ok := pm.Get(processID)
			if !ok {
				// Pruned after completion between ticks; the previous
				// snapshot is the best remaining view.
				return renderReply(lastLines), nil
			}
			lastLines = info.OutputLines
			if info.Status.Terminal() {
				reply := renderReply(lastLines)
				if info.Status == proc.StatusError {
					return reply, fmt.Errorf("turn exited with error")
				}
				return reply, nil
			}
		}
	}
}

// renderReply concatenates the text chunks parsed from each stdout line.
func renderReply(lines []string) string {
	var reply strings.Builder
	for _, line := range lines {
		for _, chunk := range parseOutputLine(line) {
			reply.WriteString(chunk)
		}
	}
	return reply.String()
}
