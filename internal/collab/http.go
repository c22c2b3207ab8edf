package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/orchestrator"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"go.uber.org/zap"
)

const maxReplyBytes = 4 << 20

// HTTPClient reaches stage workers and tools over HTTP.
//
// Stages are POSTed to <base>/stages/<stage> and tools to <base>/tools/<name>.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid collaborator url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// Execute implements orchestrator.StageExecutor.
func (c *HTTPClient) Execute(ctx context.Context, sessionID string, stage workflow.Stage, inputs map[string]string) (map[string]string, error) {
	var reply StageReply
	if err := c.post(ctx, "/stages/"+url.PathEscape(string(stage)), StageRequest{SessionID: sessionID, Stage: stage, Inputs: inputs}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, remoteError(string(stage), reply.Error)
	}
	return reply.Outputs, nil
}

// Invoke implements orchestrator.ToolInvoker.
func (c *HTTPClient) Invoke(ctx context.Context, sessionID, tool, message string) (orchestrator.ToolResult, error) {
	var reply ToolReply
	if err := c.post(ctx, "/tools/"+url.PathEscape(tool), ToolRequest{SessionID: sessionID, Tool: tool, Message: message}, &reply); err != nil {
		return orchestrator.ToolResult{}, err
	}
	if reply.Error != "" {
		return orchestrator.ToolResult{}, remoteError(tool, reply.Error)
	}
	return orchestrator.ToolResult{Text: reply.Text, Artifacts: reply.Artifacts}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, req, reply any) error {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s returned 404", ErrNoWorker, path)
	case resp.StatusCode >= 500:
		// Workers report stage failures in-band as {"error": "..."}.
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return remoteError(strings.TrimPrefix(path, "/"), e.Error)
		}
		return fmt.Errorf("server error (%d) from %s: %s", resp.StatusCode, path, truncate(string(body), 200))
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, truncate(string(body), 200))
	}

	if err := json.Unmarshal(body, reply); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	c.logger.Debug("collaborator replied", zap.String("path", path), zap.Int("status", resp.StatusCode))
	return nil
}

// transportError classifies a failed round trip. Only failures that prove no
// worker received the request map to ErrNoWorker.
func transportError(path string, err error) error {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s: %v", ErrTimeout, path, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return fmt.Errorf("%w: %s: %v", ErrNoWorker, path, err)
	}
	return fmt.Errorf("posting %s: %w", path, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
