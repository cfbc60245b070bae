// ABOUTME: Extended gateway operations beyond the connection contract:
// ABOUTME: direct chat, streaming chat, session patching, cron, and system queries.

package openclaw

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	defaultStreamWait = 120 * time.Second
	// chunkStall bounds the gap between streamed chunks before the stream
	// is abandoned.
	chunkStall = 30 * time.Second
	// streamTimeoutChunk is the final chunk emitted when a stream ends on
	// the wall-clock deadline or a chunk stall instead of a terminal state.
	streamTimeoutChunk = "[Error: timeout]"
)

// SendChat sends a message straight to an agent and returns the final
// assistant text.
func (c *Connection) SendChat(ctx context.Context, message, agentID, sessionID, model string, timeout time.Duration) (string, error) {
	if agentID == "" {
		agentID = "main"
	}
	if timeout <= 0 {
		timeout = defaultSendWait
	}
	params := map[string]any{
		"message":        message,
		"agentId":        agentID,
		"deliver":        false,
		"idempotencyKey": uuid.NewString(),
	}
	if sessionID != "" {
		params["sessionId"] = sessionID
	}
	if model != "" {
		params["model"] = model
	}
	payload, err := c.client.Call(ctx, "agent", params,
		WithTimeout(timeout), WithFinalAgentResult())
	if err != nil {
		return "", err
	}
	return extractAgentText(payload), nil
}

// SendChatStreaming sends a chat message and returns a channel of text
// chunks as the agent produces them. The channel closes when the run
// reaches a terminal state, the overall timeout lapses, or no chunk
// arrives within the stall window.
func (c *Connection) SendChatStreaming(ctx context.Context, message, agentID, sessionID string, timeout time.Duration) <-chan string {
	if agentID == "" {
		agentID = "main"
	}
	if timeout <= 0 {
		timeout = defaultStreamWait
	}
	expectedKey := "agent:" + agentID + ":main"

	type chunk struct {
		kind string // delta or done
		data string
	}
	chunks := make(chan chunk, 64)
	out := make(chan string)

	// Deltas carry the cumulative text so far; only the unsent suffix is
	// forwarded. The first delta locks the stream to its run id so a
	// concurrent run on the same agent cannot interleave.
	var sentLength int
	var activeRunID string
	var locked bool
	unsubscribe := c.client.Subscribe("chat", func(payload map[string]any) {
		if key, _ := payload["sessionKey"].(string); key != expectedKey {
			return
		}
		runID, _ := payload["runId"].(string)
		state, _ := payload["state"].(string)
		if !locked && state == "delta" {
			activeRunID = runID
			locked = true
		}
		if runID != "" && locked && runID != activeRunID {
			return
		}
		switch state {
		case "delta":
			text := deltaText(payload)
			if len(text) <= sentLength {
				return
			}
			fresh := text[sentLength:]
			sentLength = len(text)
			select {
			case chunks <- chunk{kind: "delta", data: fresh}:
			default:
			}
		case "final", "error", "aborted":
			select {
			case chunks <- chunk{kind: "done", data: state}:
			default:
			}
		}
	})

	callCtx, cancelCall := context.WithCancel(ctx)
	go func() {
		params := map[string]any{
			"message":        message,
			"agentId":        agentID,
			"deliver":        false,
			"idempotencyKey": uuid.NewString(),
		}
		if sessionID != "" {
			params["sessionId"] = sessionID
		}
		if _, err := c.client.Call(callCtx, "agent", params,
			WithTimeout(timeout), WithFinalAgentResult()); err != nil && callCtx.Err() == nil {
			c.Logger().Warn("streaming agent call failed", "agent_id", agentID, "error", err)
		}
	}()

	go func() {
		defer close(out)
		defer unsubscribe()
		defer cancelCall()

		// A lapsed deadline or stalled stream ends with a synthetic
		// timeout chunk so consumers see why the sequence stopped.
		emitTimeout := func() {
			select {
			case out <- streamTimeoutChunk:
			case <-ctx.Done():
			}
		}

		deadline := time.Now().Add(timeout)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				emitTimeout()
				return
			}
			wait := min(remaining, chunkStall)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				c.Logger().Warn("chat stream stalled", "agent_id", agentID)
				emitTimeout()
				return
			case ck := <-chunks:
				if ck.kind == "done" {
					if ck.data != "final" {
						c.Logger().Warn("chat stream interrupted",
							"agent_id", agentID, "state", ck.data)
					}
					return
				}
				select {
				case out <- ck.data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func deltaText(payload map[string]any) string {
	message, _ := payload["message"].(map[string]any)
	content, _ := message["content"].([]any)
	if len(content) == 0 {
		return ""
	}
	block, _ := content[0].(map[string]any)
	text, _ := block["text"].(string)
	return text
}

// PatchSession updates a session's configuration, e.g. its model.
func (c *Connection) PatchSession(ctx context.Context, sessionID, model string) bool {
	params := map[string]any{"sessionId": sessionID}
	if model != "" {
		params["model"] = model
	}
	_, err := c.client.Call(ctx, "session.status", params)
	return err == nil
}

// SessionsRaw returns the gateway's session dicts unmapped.
func (c *Connection) SessionsRaw(ctx context.Context) ([]map[string]any, error) {
	payload, err := c.client.Call(ctx, "sessions.list", nil)
	if err != nil {
		return nil, err
	}
	return anySlice(payload["sessions"]), nil
}

// ListCronJobs returns the gateway's scheduled jobs.
func (c *Connection) ListCronJobs(ctx context.Context, includeDisabled bool) ([]map[string]any, error) {
	params := map[string]any{}
	if includeDisabled {
		params["includeDisabled"] = true
	}
	payload, err := c.client.Call(ctx, "cron.list", params)
	if err != nil {
		return nil, err
	}
	return anySlice(payload["jobs"]), nil
}

// CronJobSpec describes a job to create.
type CronJobSpec struct {
	Schedule      map[string]any
	Payload       map[string]any
	SessionTarget string
	Name          string
	Enabled       bool
}

// CreateCronJob schedules a new job and returns the gateway's response.
func (c *Connection) CreateCronJob(ctx context.Context, spec CronJobSpec) (map[string]any, error) {
	target := spec.SessionTarget
	if target == "" {
		target = "main"
	}
	params := map[string]any{
		"schedule":      spec.Schedule,
		"payload":       spec.Payload,
		"sessionTarget": target,
		"enabled":       spec.Enabled,
	}
	if spec.Name != "" {
		params["name"] = spec.Name
	}
	return c.client.Call(ctx, "cron.add", params)
}

// UpdateCronJob applies a patch to an existing job.
func (c *Connection) UpdateCronJob(ctx context.Context, jobID string, patch map[string]any) (map[string]any, error) {
	return c.client.Call(ctx, "cron.update", map[string]any{"jobId": jobID, "patch": patch})
}

// DeleteCronJob removes a job.
func (c *Connection) DeleteCronJob(ctx context.Context, jobID string) bool {
	_, err := c.client.Call(ctx, "cron.remove", map[string]any{"jobId": jobID})
	return err == nil
}

// EnableCronJob turns a job on.
func (c *Connection) EnableCronJob(ctx context.Context, jobID string) bool {
	_, err := c.UpdateCronJob(ctx, jobID, map[string]any{"enabled": true})
	return err == nil
}

// DisableCronJob turns a job off.
func (c *Connection) DisableCronJob(ctx context.Context, jobID string) bool {
	_, err := c.UpdateCronJob(ctx, jobID, map[string]any{"enabled": false})
	return err == nil
}

// RunCronJob triggers a job immediately.
func (c *Connection) RunCronJob(ctx context.Context, jobID string, force bool) bool {
	params := map[string]any{"jobId": jobID}
	if force {
		params["force"] = true
	}
	_, err := c.client.Call(ctx, "cron.run", params)
	return err == nil
}

// Presence reports the devices and clients connected to the gateway.
func (c *Connection) Presence(ctx context.Context) (map[string]any, error) {
	return c.client.Call(ctx, "system-presence", nil)
}

// Nodes lists paired nodes, trying the method names different gateway
// versions expose.
func (c *Connection) Nodes(ctx context.Context) []map[string]any {
	for _, method := range []string{"nodes-status", "nodes.list", "nodes"} {
		payload, err := c.client.Call(ctx, method, nil)
		if err != nil {
			continue
		}
		if nodes, present := payload["nodes"]; present {
			return anySlice(nodes)
		}
	}
	return nil
}

func anySlice(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
