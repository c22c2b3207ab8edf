package router

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/flowstate/internal/logging"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// mockClassifier implements Classifier for testing.
type mockClassifier struct {
	ClassifyFunc func(ctx context.Context, req ClassifyRequest) (Classification, error)
	calls        int
}

func (m *mockClassifier) Classify(ctx context.Context, req ClassifyRequest) (Classification, error) {
	m.calls++
	return m.ClassifyFunc(ctx, req)
}

func fixed(label string, conf float64) *mockClassifier {
	return &mockClassifier{ClassifyFunc: func(context.Context, ClassifyRequest) (Classification, error) {
		return Classification{Label: label, Confidence: conf}, nil
	}}
}

func failing() *mockClassifier {
	return &mockClassifier{ClassifyFunc: func(context.Context, ClassifyRequest) (Classification, error) {
		return Classification{}, errors.New("connection refused")
	}}
}

var testCatalog = Catalog{
	"risk_report": "Render the risk analysis report",
	"export_csv":  "Export the current results as CSV",
}

func newRouter(t *testing.T, policy FallbackPolicy, c Classifier) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FallbackPolicy = policy
	r, err := New(cfg, c, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRoute_Structural(t *testing.T) {
	tests := []struct {
		name       string
		req        Request
		wantKind   Kind
		wantIntent Intent
		wantSource Source
		wantTool   string
	}{
		{
			name:       "sentinel wins over classifier",
			req:        Request{Message: "what is this [[continue]]", Stage: workflow.StageComputingStage1},
			wantKind:   KindContinueWorkflow,
			wantIntent: IntentAdvance,
			wantSource: SourceSentinel,
		},
		{
			name:       "sentinel while confirmation pending confirms",
			req:        Request{Message: "[[continue]]", Stage: workflow.StageAwaitingConfirmation, Pending: workflow.StageComputingStage2},
			wantKind:   KindContinueWorkflow,
			wantIntent: IntentConfirm,
			wantSource: SourceSentinel,
		},
		{
			name:       "yes while pending",
			req:        Request{Message: "Yes, please!", Stage: workflow.StageAwaitingConfirmation, Pending: workflow.StageComputingStage2},
			wantKind:   KindContinueWorkflow,
			wantIntent: IntentConfirm,
			wantSource: SourceStructural,
		},
		{
			name:       "no while pending declines",
			req:        Request{Message: "not now", Stage: workflow.StageAwaitingConfirmation, Pending: workflow.StageComputingStage2},
			wantKind:   KindGeneralChat,
			wantIntent: IntentDecline,
			wantSource: SourceStructural,
		},
		{
			name:       "reset command",
			req:        Request{Message: "start over", Stage: workflow.StageComplete},
			wantKind:   KindContinueWorkflow,
			wantIntent: IntentReset,
			wantSource: SourceStructural,
		},
		{
			name:       "slash tool",
			req:        Request{Message: "/export_csv now", Stage: workflow.StageComplete, Catalog: testCatalog},
			wantKind:   KindInvokeTool,
			wantSource: SourceStructural,
			wantTool:   "export_csv",
		},
		{
			name:       "empty message",
			req:        Request{Message: "   "},
			wantKind:   KindNeedsClarification,
			wantSource: SourceStructural,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fixed(LabelChat, 0.99)
			r := newRouter(t, FallbackClarify, c)

			d := r.Route(context.Background(), tt.req)
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantIntent, d.Intent)
			assert.Equal(t, tt.wantSource, d.Source)
			assert.Equal(t, tt.wantTool, d.Tool)
			assert.Zero(t, c.calls, "structural decisions skip the classifier")
		})
	}
}

func TestRoute_YesWithoutPendingGoesToClassifier(t *testing.T) {
	c := fixed(LabelChat, 0.9)
	r := newRouter(t, FallbackClarify, c)

	d := r.Route(context.Background(), Request{Message: "yes", Stage: workflow.StageComputingStage1})
	assert.Equal(t, KindGeneralChat, d.Kind)
	assert.Equal(t, SourceSemantic, d.Source)
	assert.Equal(t, 1, c.calls)
}

func TestRoute_Semantic(t *testing.T) {
	tests := []struct {
		label    string
		wantKind Kind
		wantTool string
	}{
		{LabelWorkflow, KindContinueWorkflow, ""},
		{LabelChat, KindGeneralChat, ""},
		{ToolLabel("risk_report"), KindInvokeTool, "risk_report"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			r := newRouter(t, FallbackClarify, fixed(tt.label, 0.9))
			d := r.Route(context.Background(), Request{Message: "something", Stage: workflow.StageIdle, Catalog: testCatalog})
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantTool, d.Tool)
			assert.False(t, d.Fallback)
		})
	}
}

func TestRoute_UnknownToolFallsBack(t *testing.T) {
	r := newRouter(t, FallbackClarify, fixed(ToolLabel("launch_rockets"), 0.99))
	d := r.Route(context.Background(), Request{Message: "launch", Catalog: testCatalog})
	assert.Equal(t, KindNeedsClarification, d.Kind)
	assert.True(t, d.Fallback)
}

func TestRoute_ClarifyFallback(t *testing.T) {
	logger := logging.NewTestLogger()
	cfg := DefaultConfig()
	r, err := New(cfg, failing(), logger.Underlying())
	require.NoError(t, err)

	d := r.Route(context.Background(), Request{Message: "please upload my data file", Stage: workflow.StageIdle})
	assert.Equal(t, KindNeedsClarification, d.Kind)
	assert.Equal(t, SourceClarifyFallback, d.Source)
	assert.True(t, d.Unavailable())
	assert.ErrorIs(t, d.Cause, ErrRouterUnavailable)

	logger.AssertLogged(t, zapcore.WarnLevel, "router fallback")
	logger.AssertField(t, "router fallback", "policy", "clarify")
}

func TestRoute_PatternFallback(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantKind Kind
		wantTool string
	}{
		{"tool name", "can I get the risk report", KindInvokeTool, "risk_report"},
		{"data intake", "I uploaded the sales data", KindContinueWorkflow, ""},
		{"question", "what does churn mean?", KindGeneralChat, ""},
		{"nothing matches", "banana", KindNeedsClarification, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, FallbackPattern, failing())
			d := r.Route(context.Background(), Request{Message: tt.message, Stage: workflow.StageIdle, Catalog: testCatalog})
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantTool, d.Tool)
			assert.Equal(t, SourcePatternFallback, d.Source)
			assert.True(t, d.Fallback)
		})
	}
}

func TestRoute_LowConfidenceFallsBack(t *testing.T) {
	r := newRouter(t, FallbackClarify, fixed(LabelWorkflow, 0.2))
	d := r.Route(context.Background(), Request{Message: "hmm", Stage: workflow.StageIdle})
	assert.Equal(t, KindNeedsClarification, d.Kind)
	assert.True(t, d.Fallback)
	assert.False(t, d.Unavailable(), "low confidence is not an outage")
}

func TestRoute_NilClassifier(t *testing.T) {
	r := newRouter(t, FallbackPattern, nil)
	d := r.Route(context.Background(), Request{Message: "load my csv file", Stage: workflow.StageIdle})
	assert.Equal(t, KindContinueWorkflow, d.Kind)
	assert.True(t, d.Unavailable())
}

func TestRoute_Pure(t *testing.T) {
	r := newRouter(t, FallbackPattern, &mockClassifier{ClassifyFunc: func(_ context.Context, req ClassifyRequest) (Classification, error) {
		if len(req.Message)%2 == 0 {
			return Classification{Label: LabelChat, Confidence: 0.8}, nil
		}
		return Classification{Label: LabelWorkflow, Confidence: 0.8}, nil
	}})

	reqs := []Request{
		{Message: "analyze this", Stage: workflow.StageIngesting, Catalog: testCatalog},
		{Message: "yes", Stage: workflow.StageAwaitingConfirmation, Pending: workflow.StageComputingStage2, Catalog: testCatalog},
		{Message: "tell me a joke", Stage: workflow.StageComplete, Catalog: testCatalog},
	}

	first := make([]Decision, len(reqs))
	for i, req := range reqs {
		first[i] = r.Route(context.Background(), req)
	}
	// Replay in reverse order; results must not depend on history.
	for i := len(reqs) - 1; i >= 0; i-- {
		assert.Equal(t, first[i], r.Route(context.Background(), reqs[i]))
	}
}

func TestDecision_Signal(t *testing.T) {
	assert.Equal(t, workflow.SignalConfirm, Decision{Kind: KindContinueWorkflow, Intent: IntentConfirm}.Signal())
	assert.Equal(t, workflow.SignalAdvance, Decision{Kind: KindContinueWorkflow, Intent: IntentAdvance}.Signal())
	assert.Equal(t, workflow.SignalReset, Decision{Kind: KindContinueWorkflow, Intent: IntentReset}.Signal())
	assert.Equal(t, workflow.SignalDecline, Decision{Kind: KindGeneralChat, Intent: IntentDecline}.Signal())
	assert.Equal(t, workflow.SignalNone, Decision{Kind: KindInvokeTool, Tool: "x"}.Signal())
	assert.Equal(t, workflow.SignalNone, Decision{Kind: KindNeedsClarification}.Signal())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackPolicy = "guess"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())
}
