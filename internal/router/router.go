// Package router classifies user messages into workflow, tool, chat or
// clarification decisions.
//
// Routing runs in two tiers. Deterministic structural checks come first: the
// in-band continue sentinel, reset commands, slash-invoked tools and yes/no
// replies while a confirmation is pending. Everything else goes to a semantic
// Classifier. When the classifier fails or is not confident enough, the
// configured FallbackPolicy decides what happens, and the fallback is logged.
//
// Route is a pure function of its Request: it reads no session state and
// writes none.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/flowstate/internal/router")

// FallbackPolicy selects what happens when the semantic tier cannot decide.
type FallbackPolicy string

const (
	// FallbackClarify asks the user to clarify and never guesses a stage.
	FallbackClarify FallbackPolicy = "clarify"

	// FallbackPattern applies the deterministic pattern table, degrading to
	// clarification when nothing matches.
	FallbackPattern FallbackPolicy = "pattern"
)

// DefaultSentinel is the token a client embeds to force workflow continuation.
const DefaultSentinel = "[[continue]]"

// Config configures a Router.
type Config struct {
	Sentinel            string
	FallbackPolicy      FallbackPolicy
	ConfidenceThreshold float64
	ClassifyTimeout     time.Duration
	WorkflowDescription string
	ChatDescription     string
}

// DefaultConfig returns the conservative defaults.
func DefaultConfig() Config {
	return Config{
		Sentinel:            DefaultSentinel,
		FallbackPolicy:      FallbackClarify,
		ConfidenceThreshold: 0.6,
		ClassifyTimeout:     5 * time.Second,
		WorkflowDescription: "The user wants to provide data or move the guided analysis pipeline to its next step.",
		ChatDescription:     "The user asks a general question or chats without wanting a pipeline step or a tool.",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.FallbackPolicy {
	case FallbackClarify, FallbackPattern:
	default:
		return fmt.Errorf("unknown fallback policy %q", c.FallbackPolicy)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if strings.TrimSpace(c.Sentinel) == "" {
		return errors.New("sentinel must not be empty")
	}
	return nil
}

// Router routes messages.
type Router struct {
	cfg        Config
	classifier Classifier
	patterns   *PatternMatcher
	logger     *zap.Logger
}

// New creates a Router. A nil classifier routes everything past the
// structural tier through the fallback policy.
func New(cfg Config, classifier Classifier, logger *zap.Logger) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:        cfg,
		classifier: classifier,
		patterns:   NewPatternMatcher(),
		logger:     logger,
	}, nil
}

// Policy returns the configured fallback policy.
func (r *Router) Policy() FallbackPolicy {
	return r.cfg.FallbackPolicy
}

// Route decides how to handle req.Message.
func (r *Router) Route(ctx context.Context, req Request) Decision {
	ctx, span := tracer.Start(ctx, "router.Route")
	defer span.End()

	d := r.route(ctx, req)

	span.SetAttributes(
		attribute.String("decision.kind", string(d.Kind)),
		attribute.String("decision.source", string(d.Source)),
		attribute.Float64("decision.confidence", d.Confidence),
	)
	DecisionsTotal.WithLabelValues(string(d.Kind), string(d.Source)).Inc()
	return d
}

func (r *Router) route(ctx context.Context, req Request) Decision {
	if d, ok := r.structural(req); ok {
		return d
	}

	if r.classifier == nil {
		return r.fallback(req, "no classifier configured", fmt.Errorf("%w: no classifier configured", ErrRouterUnavailable))
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.ClassifyTimeout)
	defer cancel()

	c, err := r.classifier.Classify(cctx, ClassifyRequest{
		Message: req.Message,
		Stage:   req.Stage,
		Labels:  buildLabels(r.cfg.WorkflowDescription, r.cfg.ChatDescription, req.Catalog),
	})
	if err != nil {
		if !errors.Is(err, ErrRouterUnavailable) {
			err = fmt.Errorf("%w: %v", ErrRouterUnavailable, err)
		}
		return r.fallback(req, "classifier unavailable", err)
	}

	d, ok := r.fromClassification(c, req.Catalog)
	if !ok {
		return r.fallback(req, fmt.Sprintf("unknown label %q", c.Label), nil)
	}
	if c.Confidence < r.cfg.ConfidenceThreshold {
		return r.fallback(req, fmt.Sprintf("low confidence %.2f for %s", c.Confidence, c.Label), nil)
	}
	return d
}

// structural applies the deterministic first tier.
func (r *Router) structural(req Request) (Decision, bool) {
	msg := strings.TrimSpace(req.Message)

	if msg == "" {
		return Decision{Kind: KindNeedsClarification, Source: SourceStructural, Confidence: 1, Reason: "empty message"}, true
	}

	if strings.Contains(msg, r.cfg.Sentinel) {
		intent := IntentAdvance
		if req.Pending != "" {
			intent = IntentConfirm
		}
		return Decision{Kind: KindContinueWorkflow, Intent: intent, Source: SourceSentinel, Confidence: 1, Reason: "continue sentinel"}, true
	}

	if resetPattern.MatchString(msg) {
		return Decision{Kind: KindContinueWorkflow, Intent: IntentReset, Source: SourceStructural, Confidence: 1, Reason: "reset command"}, true
	}

	if m := slashToolPattern.FindStringSubmatch(msg); m != nil {
		if _, ok := req.Catalog[m[1]]; ok {
			return Decision{Kind: KindInvokeTool, Tool: m[1], Source: SourceStructural, Confidence: 1, Reason: "slash command"}, true
		}
	}

	if req.Pending != "" {
		if affirmativePattern.MatchString(msg) {
			return Decision{
				Kind:       KindContinueWorkflow,
				Intent:     IntentConfirm,
				Source:     SourceStructural,
				Confidence: 1,
				Reason:     "affirmative for " + string(req.Pending),
			}, true
		}
		if negativePattern.MatchString(msg) {
			return Decision{
				Kind:       KindGeneralChat,
				Intent:     IntentDecline,
				Source:     SourceStructural,
				Confidence: 1,
				Reason:     "declined " + string(req.Pending),
			}, true
		}
	}

	return Decision{}, false
}

func (r *Router) fromClassification(c Classification, catalog Catalog) (Decision, bool) {
	d := Decision{Confidence: c.Confidence, Source: SourceSemantic, Reason: "classified as " + c.Label}
	switch c.Label {
	case LabelWorkflow:
		d.Kind = KindContinueWorkflow
		d.Intent = IntentAdvance
	case LabelChat:
		d.Kind = KindGeneralChat
	default:
		tool, ok := toolFromLabel(c.Label)
		if !ok {
			return Decision{}, false
		}
		if _, known := catalog[tool]; !known {
			return Decision{}, false
		}
		d.Kind = KindInvokeTool
		d.Tool = tool
	}
	return d, true
}

// fallback applies the configured policy and logs it.
func (r *Router) fallback(req Request, reason string, cause error) Decision {
	var d Decision
	switch r.cfg.FallbackPolicy {
	case FallbackPattern:
		if m, ok := r.patterns.Match(req.Message, req.Catalog); ok {
			d = m
		} else {
			d = Decision{Kind: KindNeedsClarification, Reason: "no pattern matched"}
		}
		d.Source = SourcePatternFallback
	default:
		d = Decision{Kind: KindNeedsClarification, Source: SourceClarifyFallback}
	}
	d.Fallback = true
	d.Cause = cause
	if d.Reason == "" {
		d.Reason = reason
	} else {
		d.Reason = reason + "; " + d.Reason
	}

	FallbacksTotal.WithLabelValues(string(r.cfg.FallbackPolicy), string(d.Kind)).Inc()

	fields := []zap.Field{
		zap.String("policy", string(r.cfg.FallbackPolicy)),
		zap.String("reason", reason),
		zap.String("stage", string(req.Stage)),
		zap.String("decision", d.String()),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	r.logger.Warn("router fallback", fields...)
	return d
}
