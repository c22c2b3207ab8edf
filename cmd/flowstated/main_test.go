package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/collab"
	"github.com/fyrsmithlabs/flowstate/internal/config"
	httpapi "github.com/fyrsmithlabs/flowstate/internal/http"
	"github.com/fyrsmithlabs/flowstate/internal/orchestrator"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoStages struct{}

func (echoStages) Execute(_ context.Context, _ string, stage workflow.Stage, _ map[string]string) (map[string]string, error) {
	return map[string]string{"result": string(stage) + ".parquet"}, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startDaemon runs the daemon until the test ends and returns its base URL.
func startDaemon(t *testing.T, cfg *config.Config) string {
	t.Helper()

	cfg.Server.Port = freePort(t)
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not shut down in time")
		}
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)
	return base
}

func postMessage(t *testing.T, base, sessionID string, req httpapi.MessageRequest) *orchestrator.Directive {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/v1/sessions/"+sessionID+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out httpapi.MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Directive)
	return out.Directive
}

func TestRun_MemoryStoreOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	workers := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req collab.StageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collab.StageReply{Outputs: map[string]string{"result": string(req.Stage)}})
	}))
	t.Cleanup(workers.Close)

	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Stages.Transport = "http"
	cfg.Stages.BaseURL = workers.URL
	cfg.Events.Enabled = false
	base := startDaemon(t, cfg)

	dir := postMessage(t, base, "sess-http", httpapi.MessageRequest{
		ID:          "m1",
		Text:        cfg.Router.Sentinel,
		Attachments: map[string]string{"dataset": "s3://bucket/d.csv"},
	})
	assert.Equal(t, orchestrator.DirectiveAskConfirmation, dir.Kind)
	assert.Equal(t, workflow.StageComputingStage2, dir.Pending)
	assert.Equal(t, []workflow.Stage{workflow.StageIngesting, workflow.StageComputingStage1}, dir.Executed)

	resp, err := http.Get(base + "/api/v1/sessions/sess-http")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap orchestrator.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, workflow.StageAwaitingConfirmation, snap.Stage)
	assert.Equal(t, []workflow.Stage{workflow.StageIngesting, workflow.StageComputingStage1}, snap.Completed)
}

func TestRun_EmbeddedNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cfg := config.Default()
	cfg.NATS.Embedded = true
	cfg.NATS.StoreDir = t.TempDir()
	base := startDaemon(t, cfg)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	var health httpapi.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Services["nats"])

	// Without stage workers the run fails cleanly and the stage stays retryable.
	dir := postMessage(t, base, "sess-nats", httpapi.MessageRequest{Text: cfg.Router.Sentinel})
	assert.Equal(t, orchestrator.CodeStageFailed, dir.Code)
	assert.Equal(t, workflow.StageIngesting, dir.Pending)
}

func TestRun_ExternalNATSWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	srv := startNATS(t)
	nc, err := nats.Connect(srv)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sub, err := collab.ServeStages(nc, collab.DefaultSubjectPrefix, "", echoStages{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	cfg := config.Default()
	cfg.NATS.URL = srv
	base := startDaemon(t, cfg)

	dir := postMessage(t, base, "sess-ext", httpapi.MessageRequest{ID: "1", Text: cfg.Router.Sentinel})
	require.Equal(t, orchestrator.DirectiveAskConfirmation, dir.Kind)

	dir = postMessage(t, base, "sess-ext", httpapi.MessageRequest{ID: "2", Text: "yes"})
	assert.Equal(t, []workflow.Stage{workflow.StageComputingStage2}, dir.Executed)
	assert.Equal(t, orchestrator.DirectiveAskConfirmation, dir.Kind)
	assert.Equal(t, workflow.StageComputingStage3, dir.Pending)

	// A redelivered message is answered without acting on it.
	dir = postMessage(t, base, "sess-ext", httpapi.MessageRequest{ID: "2", Text: "yes"})
	assert.Equal(t, orchestrator.CodeDuplicate, dir.Code)
	assert.Empty(t, dir.Executed)
}

func TestNeedsNATS(t *testing.T) {
	cfg := config.Default()
	assert.True(t, needsNATS(cfg))

	cfg.Store.Backend = "memory"
	cfg.Stages.Transport = "http"
	cfg.Events.Enabled = false
	assert.False(t, needsNATS(cfg))

	cfg.Events.Enabled = true
	assert.True(t, needsNATS(cfg))
}
