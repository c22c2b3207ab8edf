package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/natsutil"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type stageFunc func(ctx context.Context, sessionID string, stage workflow.Stage, inputs map[string]string) (map[string]string, error)

func (f stageFunc) Execute(ctx context.Context, sessionID string, stage workflow.Stage, inputs map[string]string) (map[string]string, error) {
	return f(ctx, sessionID, stage, inputs)
}

func TestNATSClient_Execute(t *testing.T) {
	nc := natsutil.ConnectTestServer(t)

	sub, err := ServeStages(nc, "test.work", "", stageFunc(func(_ context.Context, sessionID string, stage workflow.Stage, inputs map[string]string) (map[string]string, error) {
		if stage == workflow.StageComputingStage2 {
			return nil, errors.New("model diverged")
		}
		return map[string]string{"echo": inputs["dataset"], "session": sessionID}, nil
	}), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	client := NewNATSClient(nc, "test.work", 5*time.Second, nil)
	assert.Equal(t, "test.work.ingesting", client.StageSubject(workflow.StageIngesting))

	out, err := client.Execute(context.Background(), "sess-1", workflow.StageIngesting, map[string]string{"dataset": "s3://d"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"echo": "s3://d", "session": "sess-1"}, out)

	_, err = client.Execute(context.Background(), "sess-1", workflow.StageComputingStage2, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "model diverged")
}

func TestNATSClient_NoResponders(t *testing.T) {
	nc := natsutil.ConnectTestServer(t)
	client := NewNATSClient(nc, "", time.Second, nil)

	_, err := client.Execute(context.Background(), "sess-1", workflow.StageIngesting, nil)
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestNATSClient_Invoke(t *testing.T) {
	nc := natsutil.ConnectTestServer(t)
	client := NewNATSClient(nc, "", time.Second, nil)

	sub, err := nc.Subscribe(client.ToolSubject("var_report"), func(msg *nats.Msg) {
		var req ToolRequest
		_ = json.Unmarshal(msg.Data, &req)
		data, _ := json.Marshal(ToolReply{Text: "report for " + req.Message, Artifacts: map[string]string{"pdf": "r.pdf"}})
		_ = msg.Respond(data)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	res, err := client.Invoke(context.Background(), "sess-1", "var_report", "desk=rates")
	require.NoError(t, err)
	assert.Equal(t, "report for desk=rates", res.Text)
	assert.Equal(t, "r.pdf", res.Artifacts["pdf"])
}

func TestHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/stages/computing_stage1":
			var req StageRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(StageReply{Outputs: map[string]string{"metrics": req.Inputs["table"]}})
		case "/stages/computing_stage2":
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(StageReply{Error: "out of memory"})
		case "/stages/computing_stage3":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		case "/tools/summary":
			_ = json.NewEncoder(w).Encode(ToolReply{Text: "summary"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(srv.URL+"/", time.Second, nil)
	require.NoError(t, err)
	ctx := context.Background()

	out, err := client.Execute(ctx, "sess-1", workflow.StageComputingStage1, map[string]string{"table": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", out["metrics"])

	_, err = client.Execute(ctx, "sess-1", workflow.StageComputingStage2, nil)
	assert.ErrorIs(t, err, ErrRemote)

	_, err = client.Execute(ctx, "sess-1", workflow.StageComputingStage3, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = client.Execute(ctx, "sess-1", workflow.StageIngesting, nil)
	assert.ErrorIs(t, err, ErrNoWorker)

	res, err := client.Invoke(ctx, "sess-1", "summary", "hi")
	require.NoError(t, err)
	assert.Equal(t, "summary", res.Text)
}

func TestHTTPClient_TransportErrors(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		slow.Close()
	})

	t.Run("client timeout is not a missing worker", func(t *testing.T) {
		client, err := NewHTTPClient(slow.URL, 100*time.Millisecond, nil)
		require.NoError(t, err)

		_, err = client.Execute(context.Background(), "sess-1", workflow.StageComputingStage2, nil)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrNoWorker)
	})

	t.Run("caller deadline", func(t *testing.T) {
		client, err := NewHTTPClient(slow.URL, time.Minute, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = client.Execute(ctx, "sess-1", workflow.StageComputingStage2, nil)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrNoWorker)
	})

	t.Run("connection refused", func(t *testing.T) {
		gone := httptest.NewServer(http.NotFoundHandler())
		url := gone.URL
		gone.Close()

		client, err := NewHTTPClient(url, time.Second, nil)
		require.NoError(t, err)

		_, err = client.Execute(context.Background(), "sess-1", workflow.StageIngesting, nil)
		assert.ErrorIs(t, err, ErrNoWorker)
		assert.NotErrorIs(t, err, ErrTimeout)
	})
}

func TestNATSClient_Timeout(t *testing.T) {
	nc := natsutil.ConnectTestServer(t)
	client := NewNATSClient(nc, "test.work", 100*time.Millisecond, nil)

	// A subscriber that never answers keeps the request from failing fast.
	sub, err := nc.SubscribeSync(client.StageSubject(workflow.StageComputingStage3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	_, err = client.Execute(context.Background(), "sess-1", workflow.StageComputingStage3, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNoWorker)
}

func TestNewHTTPClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://host", "http://", "::"} {
		_, err := NewHTTPClient(u, time.Second, nil)
		assert.Error(t, err, u)
	}
}

type fakeChatModel struct {
	reply string
	err   error
	seen  []llms.MessageContent
}

func (f *fakeChatModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.seen = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeChatModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLLMResponder(t *testing.T) {
	model := &fakeChatModel{reply: "  VaR is a loss quantile.\n"}
	r := NewLLMResponder(model, nil)

	out, err := r.Reply(context.Background(), "sess-1", workflow.StageComputingStage2, "what is VaR?")
	require.NoError(t, err)
	assert.Equal(t, "VaR is a loss quantile.", out)
	require.Len(t, model.seen, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.seen[0].Role)
	assert.Contains(t, model.seen[0].Parts[0].(llms.TextContent).Text, string(workflow.StageComputingStage2))

	model.reply = "   "
	_, err = r.Reply(context.Background(), "sess-1", workflow.StageIdle, "hi")
	assert.Error(t, err)

	model.err = errors.New("rate limited")
	_, err = r.Reply(context.Background(), "sess-1", workflow.StageIdle, "hi")
	assert.Error(t, err)
}
