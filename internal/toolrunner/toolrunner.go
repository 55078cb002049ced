// Package toolrunner implements Tool-runner Client (C11): the signed HTTP
// client satisfying toolflow.ToolRunner that dispatches a tool call to the
// external tool-runner service and translates its response into a
// toolflow.ToolRunnerResponse. Only the wire contract is in scope — the
// tool-runner worker's own internals are out of bounds. Grounded on
// original_source's toolrunner/app/auth.py for the signature scheme.
package toolrunner

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/errs"
	"github.com/agentmaestro/agentmaestro/internal/metrics"
	"github.com/agentmaestro/agentmaestro/internal/telemetry"
	"github.com/agentmaestro/agentmaestro/internal/toolflow"
)

// Client dispatches tool-call execution requests to the external
// tool-runner service over signed HTTP.
type Client struct {
	BaseURL    string
	Secret     []byte
	HTTPClient *http.Client

	now func() time.Time
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now().UTC()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Execute implements toolflow.ToolRunner. It signs the request body with
// HMAC-SHA256 over "<unix timestamp>.<body>" using the shared secret, the
// exact scheme the tool-runner's own auth layer verifies, and translates
// transport failures into errs.ToolrunnerError rather than a generic error.
func (c *Client) Execute(ctx context.Context, req toolflow.ToolRunnerRequest) (*toolflow.ToolRunnerResponse, error) {
	ctx, span := telemetry.StartToolCallSpan(ctx, req.ToolName, req.RunID)
	start := c.clock()
	status := "error"
	defer func() {
		metrics.RecordToolCall(req.ToolName, status, c.clock().Sub(start))
		telemetry.EndToolCallSpan(span, status)
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tool-runner request: %w", err)
	}

	timestamp := strconv.FormatInt(c.clock().Unix(), 10)
	signature := c.sign(timestamp, body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool-runner request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-AM-Timestamp", timestamp)
	httpReq.Header.Set("X-AM-Signature", signature)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, &errs.ToolrunnerError{Msg: fmt.Sprintf("tool-runner request %s transport error: %v", req.RequestID, err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.ToolrunnerError{Msg: fmt.Sprintf("tool-runner request %s: read response: %v", req.RequestID, err), Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &errs.ToolrunnerError{
			Msg: fmt.Sprintf("tool-runner request %s returned status %d: %s", req.RequestID, resp.StatusCode, string(respBody)),
		}
	}

	var out toolflow.ToolRunnerResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &errs.ToolrunnerError{Msg: fmt.Sprintf("tool-runner request %s: decode response: %v", req.RequestID, err), Err: err}
	}
	status = out.Status
	return &out, nil
}

func (c *Client) sign(timestamp string, body []byte) string {
	message := make([]byte, 0, len(timestamp)+1+len(body))
	message = append(message, []byte(timestamp)...)
	message = append(message, '.')
	message = append(message, body...)
	mac := hmac.New(sha256.New, c.Secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// RevokeRequest is the payload sent to the tool-runner's cancel endpoint
// for a still-running external task.
type RevokeRequest struct {
	TaskID string `json:"task_id"`
}

// Revoke implements recovery.TaskRevoker: it asks the tool-runner to stop
// an in-flight task, signed the same way as Execute.
func (c *Client) Revoke(ctx context.Context, taskID string) error {
	body, err := json.Marshal(RevokeRequest{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal revoke request: %w", err)
	}

	timestamp := strconv.FormatInt(c.clock().Unix(), 10)
	signature := c.sign(timestamp, body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/cancel", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-AM-Timestamp", timestamp)
	httpReq.Header.Set("X-AM-Signature", signature)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return &errs.ToolrunnerError{Msg: fmt.Sprintf("revoke task %s transport error: %v", taskID, err), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &errs.ToolrunnerError{Msg: fmt.Sprintf("revoke task %s returned status %d: %s", taskID, resp.StatusCode, string(respBody))}
	}
	return nil
}
