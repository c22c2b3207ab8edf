package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/orchestrator"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "flowstate.work"

// DefaultQueue is the queue group stage workers join.
const DefaultQueue = "flowstate-workers"

// NATSClient reaches stage workers and tools with NATS request-reply.
//
// Stages are requested on <prefix>.<stage> and tools on <prefix>.tool.<name>.
type NATSClient struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSClient creates a client. timeout bounds requests whose context has
// no deadline.
func NewNATSClient(nc *nats.Conn, prefix string, timeout time.Duration, logger *zap.Logger) *NATSClient {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSClient{nc: nc, prefix: prefix, timeout: timeout, logger: logger}
}

// StageSubject returns the subject a stage is requested on.
func (c *NATSClient) StageSubject(stage workflow.Stage) string {
	return c.prefix + "." + string(stage)
}

// ToolSubject returns the subject a tool is requested on.
func (c *NATSClient) ToolSubject(tool string) string {
	return c.prefix + ".tool." + tool
}

// Execute implements orchestrator.StageExecutor.
func (c *NATSClient) Execute(ctx context.Context, sessionID string, stage workflow.Stage, inputs map[string]string) (map[string]string, error) {
	var reply StageReply
	if err := c.request(ctx, c.StageSubject(stage), StageRequest{SessionID: sessionID, Stage: stage, Inputs: inputs}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, remoteError(string(stage), reply.Error)
	}
	return reply.Outputs, nil
}

// Invoke implements orchestrator.ToolInvoker.
func (c *NATSClient) Invoke(ctx context.Context, sessionID, tool, message string) (orchestrator.ToolResult, error) {
	var reply ToolReply
	if err := c.request(ctx, c.ToolSubject(tool), ToolRequest{SessionID: sessionID, Tool: tool, Message: message}, &reply); err != nil {
		return orchestrator.ToolResult{}, err
	}
	if reply.Error != "" {
		return orchestrator.ToolResult{}, remoteError(tool, reply.Error)
	}
	return orchestrator.ToolResult{Text: reply.Text, Artifacts: reply.Artifacts}, nil
}

func (c *NATSClient) request(ctx context.Context, subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("%w on %s", ErrNoWorker, subject)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("%w on %s: %v", ErrTimeout, subject, err)
		}
		return fmt.Errorf("requesting %s: %w", subject, err)
	}
	c.logger.Debug("collaborator replied",
		zap.String("subject", subject),
		zap.Duration("duration", time.Since(start)),
		zap.Int("bytes", len(msg.Data)),
	)

	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decoding reply from %s: %w", subject, err)
	}
	return nil
}

// ServeStages answers stage requests under prefix with exec, joining queue so
// several workers share the load. It is the worker-side half of NATSClient.
func ServeStages(nc *nats.Conn, prefix, queue string, exec orchestrator.StageExecutor, logger *zap.Logger) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return nc.QueueSubscribe(prefix+".*", queue, func(msg *nats.Msg) {
		var req StageRequest
		var reply StageReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "malformed request: " + err.Error()
		} else if !req.Stage.Executable() {
			reply.Error = fmt.Sprintf("stage %q is not executable", req.Stage)
		} else {
			out, err := exec.Execute(context.Background(), req.SessionID, req.Stage, req.Inputs)
			if err != nil {
				reply.Error = err.Error()
			}
			reply.Outputs = out
		}

		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error("encoding stage reply", zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("responding to stage request", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
}
