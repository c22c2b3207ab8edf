package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/events"
	"github.com/fyrsmithlabs/flowstate/internal/evidence"
	"github.com/fyrsmithlabs/flowstate/internal/logging"
	"github.com/fyrsmithlabs/flowstate/internal/router"
	"github.com/fyrsmithlabs/flowstate/internal/session"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/flowstate/internal/orchestrator")

const maxMessageBytes = 64 << 10

// ClaimMargin is the minimum time a claim outlives StageTimeout. It covers
// the marker write and session save that follow a stage execution, so a
// claim never looks abandoned while its owner is still running the stage.
const ClaimMargin = 30 * time.Second

// Config configures an Orchestrator.
type Config struct {
	// WorkerID identifies this process in claims, markers and events.
	WorkerID string

	// ClaimTTL is how long a stage claim blocks other workers. New raises it
	// to at least StageTimeout plus ClaimMargin.
	ClaimTTL time.Duration

	// ConflictRetries is how many times a cycle is rerun after a conflict.
	ConflictRetries int

	// StageTimeout bounds a single stage execution.
	StageTimeout time.Duration

	// Catalog is the tool catalog used when a message carries none.
	Catalog router.Catalog
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ClaimTTL:        10 * time.Minute,
		ConflictRetries: 1,
		StageTimeout:    5 * time.Minute,
	}
}

// Orchestrator runs the per-message decision cycle.
type Orchestrator struct {
	cfg      Config
	sessions Sessions
	markers  Markers
	router   Decider
	stages   StageExecutor
	tools    ToolInvoker
	chat     ChatResponder
	events   events.Publisher
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTools sets the tool collaborator.
func WithTools(t ToolInvoker) Option {
	return func(o *Orchestrator) { o.tools = t }
}

// WithChat sets the free-form reply collaborator.
func WithChat(c ChatResponder) Option {
	return func(o *Orchestrator) { o.chat = c }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator.
func New(cfg Config, sessions Sessions, markers Markers, r Decider, stages StageExecutor, opts ...Option) (*Orchestrator, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if markers == nil {
		return nil, errors.New("evidence store is required")
	}
	if r == nil {
		return nil, errors.New("router is required")
	}
	if stages == nil {
		return nil, errors.New("stage executor is required")
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaults.ClaimTTL
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaults.StageTimeout
	}
	configuredTTL := cfg.ClaimTTL
	if floor := cfg.StageTimeout + ClaimMargin; cfg.ClaimTTL < floor {
		cfg.ClaimTTL = floor
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if err := session.ValidateID(cfg.WorkerID); err != nil {
		return nil, fmt.Errorf("worker id %q: must match [a-zA-Z0-9_-]{1,128}", cfg.WorkerID)
	}

	o := &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		markers:  markers,
		router:   r,
		stages:   stages,
		events:   events.Nop{},
		logger:   logging.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if configuredTTL != cfg.ClaimTTL {
		o.logger.Warn(context.Background(), "claim ttl raised above stage timeout",
			zap.Duration("configured", configuredTTL),
			zap.Duration("claim_ttl", cfg.ClaimTTL),
			zap.Duration("stage_timeout", cfg.StageTimeout),
		)
	}
	return o, nil
}

// WorkerID returns the identity used in claims and markers.
func (o *Orchestrator) WorkerID() string {
	return o.cfg.WorkerID
}

// turn is the working set of one HandleMessage call.
type turn struct {
	msg   Message
	owner string

	// Pinned on the first cycle and reused when a conflict reruns it.
	decision      *router.Decision
	confirmTarget workflow.Stage
	generation    uint64

	// Per cycle.
	st       *session.State
	ev       workflow.Evidence
	lastID   string
	executed []workflow.Stage
}

// HandleMessage processes one user message and returns the directive for the
// caller. A non-nil directive may accompany an error: stage failures and an
// unavailable router still produce a user-facing reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message) (*Directive, error) {
	if err := session.ValidateID(msg.SessionID); err != nil {
		return nil, err
	}
	if msg.ID != "" && session.ValidateID(msg.ID) != nil {
		return nil, fmt.Errorf("%w: message id %q", ErrInvalidMessage, msg.ID)
	}
	if len(msg.Text) > maxMessageBytes {
		return nil, fmt.Errorf("%w: text exceeds %d bytes", ErrInvalidMessage, maxMessageBytes)
	}
	if err := msg.Catalog.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return o.handle(ctx, &turn{msg: msg})
}

// Reset starts a new generation for the session without consulting the router.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) (*Directive, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	d := router.Decision{
		Kind:       router.KindContinueWorkflow,
		Intent:     router.IntentReset,
		Confidence: 1,
		Source:     router.SourceStructural,
		Reason:     "reset requested",
	}
	return o.handle(ctx, &turn{msg: Message{SessionID: sessionID}, decision: &d})
}

func (o *Orchestrator) handle(ctx context.Context, t *turn) (*Directive, error) {
	ctx = logging.WithSessionID(ctx, t.msg.SessionID)
	ctx = logging.WithWorkerID(ctx, o.cfg.WorkerID)
	if t.msg.ID != "" {
		ctx = logging.WithRequestID(ctx, t.msg.ID)
	}
	t.owner = o.cfg.WorkerID + "-" + uuid.NewString()[:8]

	ctx, span := tracer.Start(ctx, "orchestrator.HandleMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", t.msg.SessionID),
		attribute.String("worker.id", o.cfg.WorkerID),
	)

	for attempt := 0; ; attempt++ {
		dir, err := o.cycle(ctx, t, attempt)
		if errors.Is(err, session.ErrConflictDetected) && attempt < o.cfg.ConflictRetries {
			CycleRetriesTotal.Inc()
			o.logger.Info(ctx, "session changed underneath request, rerunning cycle",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		if t.decision != nil {
			span.SetAttributes(attribute.String("decision", t.decision.String()))
		}
		if dir != nil {
			DirectivesTotal.WithLabelValues(string(dir.Kind), dir.Code).Inc()
			span.SetAttributes(
				attribute.String("directive.kind", string(dir.Kind)),
				attribute.String("stage", string(dir.Stage)),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logError(ctx, err)
		}
		return dir, err
	}
}

func (o *Orchestrator) logError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrStageExecutionFailed), errors.Is(err, router.ErrRouterUnavailable):
		o.logger.Warn(ctx, "message handled with degraded result", zap.Error(err))
	case errors.Is(err, session.ErrConflictDetected):
		o.logger.Info(ctx, "message rejected after repeated conflicts", zap.Error(err))
	default:
		o.logger.Error(ctx, "message handling failed", zap.Error(err))
	}
}

// cycle is one load, route, transition, act, save pass.
func (o *Orchestrator) cycle(ctx context.Context, t *turn, attempt int) (*Directive, error) {
	st, err := o.sessions.Load(ctx, t.msg.SessionID)
	if err != nil {
		return nil, err
	}
	ev, err := o.markers.Completed(ctx, st.SessionID, st.Generation)
	if err != nil {
		return nil, err
	}
	t.st, t.ev, t.executed = st, ev, nil
	t.lastID = st.Flags.Get(workflow.FlagLastMessage)

	if attempt == 0 && t.msg.ID != "" && t.msg.ID == t.lastID {
		o.logger.Info(ctx, "duplicate message ignored")
		return o.duplicate(t)
	}

	current, err := workflow.Transition(workflow.Input{
		Stage:    st.Stage,
		Flags:    st.Flags,
		Signal:   workflow.SignalNone,
		Evidence: ev,
	})
	if err != nil {
		return nil, err
	}

	if attempt == 0 {
		t.generation = st.Generation
		if t.decision == nil {
			// An affirmative answers the question the stored state asked,
			// even when evidence has since moved the session past it.
			pending := workflow.PendingConfirmation(st.Stage, st.Flags)
			if pending == "" {
				pending = workflow.PendingConfirmation(current.Stage, current.Flags)
			}
			d := o.router.Route(ctx, router.Request{
				Message: t.msg.Text,
				Stage:   current.Stage,
				Pending: pending,
				Catalog: o.catalog(t.msg),
			})
			t.decision, t.confirmTarget = &d, pending
		}
	}
	d := *t.decision

	if attempt > 0 && st.Generation != t.generation && d.Signal() != workflow.SignalReset {
		o.logger.Info(ctx, "session was reset while the message was in flight",
			zap.Uint64("from_generation", t.generation),
			zap.Uint64("to_generation", st.Generation),
		)
		return &Directive{
			Kind:     DirectiveReply,
			Text:     resetRaceText(),
			Stage:    current.Stage,
			Code:     CodeResetRace,
			Decision: d,
		}, nil
	}

	out, err := workflow.Transition(workflow.Input{
		Stage:         st.Stage,
		Flags:         st.Flags,
		Signal:        d.Signal(),
		Evidence:      ev,
		ConfirmTarget: t.confirmTarget,
	})
	if err != nil {
		return nil, err
	}
	o.logger.Debug(ctx, "transition computed",
		zap.String("decision", d.String()),
		zap.String("from", string(st.Stage)),
		zap.String("to", string(out.Stage)),
		zap.String("action", string(out.Action.Kind)),
	)

	if out.Action.Kind == workflow.ActionReset {
		return o.reset(ctx, t, out)
	}

	if d.Signal() != workflow.SignalNone && t.msg.ID != "" {
		out.Flags.Set(workflow.FlagLastMessage, t.msg.ID)
	}

	if out.Action.Kind == workflow.ActionRunStage {
		var dir *Directive
		out, dir, err = o.runStages(ctx, t, out)
		if dir != nil || err != nil {
			return o.withRouterCause(dir, err, d)
		}
	}

	if out.Stage != st.Stage || !maps.Equal(out.Flags, st.Flags) {
		from := st.LoadedStage()
		st.Update(out.Stage, out.Flags)
		if err := o.sessions.Save(ctx, st); err != nil {
			return nil, err
		}
		if st.Stage != from {
			o.publish(ctx, events.Event{
				Type:       events.Transitioned,
				SessionID:  st.SessionID,
				Generation: st.Generation,
				From:       from,
				To:         st.Stage,
			})
		}
	}

	dir, err := o.respond(ctx, t, out)
	return o.withRouterCause(dir, err, d)
}

// withRouterCause tags a directive produced from an availability fallback.
func (o *Orchestrator) withRouterCause(dir *Directive, err error, d router.Decision) (*Directive, error) {
	if dir == nil || !d.Unavailable() {
		return dir, err
	}
	if dir.Code == "" {
		dir.Code = CodeRouterUnavailable
	}
	return dir, errors.Join(err, fmt.Errorf("routing fell back to %s: %w", d.Source, d.Cause))
}

// reset starts a new generation. Evidence of earlier generations is purged
// after the session is stored; it is invisible to the new run either way.
func (o *Orchestrator) reset(ctx context.Context, t *turn, out workflow.Outcome) (*Directive, error) {
	st := t.st
	from := st.Generation
	st.Generation++
	if t.msg.ID != "" {
		out.Flags.Set(workflow.FlagLastMessage, t.msg.ID)
	}
	st.Update(out.Stage, out.Flags)
	if err := o.sessions.Save(ctx, st); err != nil {
		return nil, err
	}

	purged, err := o.markers.Purge(ctx, st.SessionID, st.Generation)
	if err != nil {
		o.logger.Warn(ctx, "purging old evidence failed", zap.Error(err))
	}
	o.logger.Info(ctx, "session reset",
		zap.Uint64("from_generation", from),
		zap.Uint64("generation", st.Generation),
		zap.Int("markers_purged", purged),
	)
	o.publish(ctx, events.Event{
		Type:       events.Reset,
		SessionID:  st.SessionID,
		Generation: st.Generation,
		To:         st.Stage,
	})

	return &Directive{
		Kind:     DirectiveReply,
		Text:     resetText(),
		Stage:    st.Stage,
		Decision: *t.decision,
	}, nil
}

func (o *Orchestrator) duplicate(t *turn) (*Directive, error) {
	cur, err := workflow.Transition(workflow.Input{
		Stage:    t.st.Stage,
		Flags:    t.st.Flags,
		Signal:   workflow.SignalNone,
		Evidence: t.ev,
	})
	if err != nil {
		return nil, err
	}
	return &Directive{
		Kind:    DirectiveReply,
		Text:    statusText(cur.Stage, cur.Flags),
		Stage:   cur.Stage,
		Pending: workflow.PendingConfirmation(cur.Stage, cur.Flags),
		Code:    CodeDuplicate,
	}, nil
}

// respond turns the final outcome into a directive.
func (o *Orchestrator) respond(ctx context.Context, t *turn, out workflow.Outcome) (*Directive, error) {
	d := *t.decision
	dir := &Directive{
		Kind:     DirectiveReply,
		Stage:    out.Stage,
		Executed: t.executed,
		Decision: d,
	}
	done := completedText(t.executed)

	switch out.Action.Kind {
	case workflow.ActionAskConfirmation:
		dir.Kind = DirectiveAskConfirmation
		dir.Pending = out.Action.Stage
		dir.Text = joinText(done, askText(out.Action.Stage))
		return dir, nil
	case workflow.ActionComplete:
		dir.Text = joinText(done, completeText())
		return dir, nil
	}
	if len(t.executed) > 0 {
		dir.Text = joinText(done, statusText(out.Stage, out.Flags))
		return dir, nil
	}

	switch d.Kind {
	case router.KindInvokeTool:
		return o.invokeTool(ctx, t, dir)

	case router.KindGeneralChat:
		if d.Intent == router.IntentDecline {
			dir.Text = declineText(t.confirmTarget)
			return dir, nil
		}
		dir.Text = o.chatReply(ctx, t, out.Stage)

	case router.KindNeedsClarification:
		dir.Text = clarifyText(o.catalog(t.msg))

	case router.KindContinueWorkflow:
		if c, live := t.st.ActiveClaim(out.Stage, o.cfg.ClaimTTL, o.now()); out.Stage.Executable() && live && c.Owner != t.owner {
			return o.inProgress(t, out.Stage), nil
		}
		dir.Text = statusText(out.Stage, out.Flags)
		dir.Pending = workflow.PendingConfirmation(out.Stage, out.Flags)
	}
	return dir, nil
}

func (o *Orchestrator) inProgress(t *turn, stage workflow.Stage) *Directive {
	return &Directive{
		Kind:     DirectiveReply,
		Text:     inProgressText(stage),
		Stage:    stage,
		Code:     CodeInProgress,
		Executed: t.executed,
		Decision: *t.decision,
	}
}

func (o *Orchestrator) invokeTool(ctx context.Context, t *turn, dir *Directive) (*Directive, error) {
	name := t.decision.Tool
	if o.tools == nil {
		dir.Text = toolUnavailableText(name)
		return dir, fmt.Errorf("%w: %s: no tool collaborator configured", ErrToolFailed, name)
	}

	res, err := o.tools.Invoke(ctx, t.msg.SessionID, name, t.msg.Text)
	if err != nil {
		dir.Text = toolUnavailableText(name)
		return dir, fmt.Errorf("%w: %s: %w", ErrToolFailed, name, err)
	}
	dir.Kind = DirectiveToolResult
	dir.Tool = name
	dir.Text = res.Text
	dir.Artifacts = res.Artifacts
	return dir, nil
}

func (o *Orchestrator) chatReply(ctx context.Context, t *turn, stage workflow.Stage) string {
	if o.chat == nil {
		return chatFallbackText()
	}
	reply, err := o.chat.Reply(ctx, t.msg.SessionID, stage, t.msg.Text)
	if err != nil {
		o.logger.Warn(ctx, "chat collaborator failed", zap.Error(err))
		return chatFallbackText()
	}
	return reply
}

// Inspect returns the session as the next cycle would see it.
func (o *Orchestrator) Inspect(ctx context.Context, sessionID string) (*Snapshot, error) {
	st, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ev, err := o.markers.Completed(ctx, st.SessionID, st.Generation)
	if err != nil {
		return nil, err
	}
	cur, err := workflow.Transition(workflow.Input{
		Stage:    st.Stage,
		Flags:    st.Flags,
		Signal:   workflow.SignalNone,
		Evidence: ev,
	})
	if err != nil {
		return nil, err
	}

	completed := []workflow.Stage{}
	for _, s := range workflow.ExecutableStages() {
		if ev.Has(s) {
			completed = append(completed, s)
		}
	}
	return &Snapshot{
		SessionID:  st.SessionID,
		Stage:      cur.Stage,
		Pending:    workflow.PendingConfirmation(cur.Stage, cur.Flags),
		Generation: st.Generation,
		Flags:      cur.Flags,
		Completed:  completed,
		UpdatedAt:  st.UpdatedAt,
		Revision:   st.Revision(),
	}, nil
}

func (o *Orchestrator) catalog(msg Message) router.Catalog {
	if msg.Catalog != nil {
		return msg.Catalog
	}
	return o.cfg.Catalog
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	e.Worker = o.cfg.WorkerID
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.Warn(ctx, "publishing event failed",
			zap.String("event", string(e.Type)),
			zap.Error(err),
		)
	}
}

func markerKey(st *session.State, stage workflow.Stage) evidence.Key {
	return evidence.Key{SessionID: st.SessionID, Generation: st.Generation, Stage: stage}
}
