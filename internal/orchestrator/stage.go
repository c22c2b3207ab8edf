package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/fyrsmithlabs/flowstate/internal/events"
	"github.com/fyrsmithlabs/flowstate/internal/evidence"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	maxErrorFlagLen = 256
	releaseTimeout  = 5 * time.Second
)

// runStages executes stages while the state machine keeps asking for one.
// A stage whose evidence already exists is never run again. A directive is
// returned only when the loop stops early.
func (o *Orchestrator) runStages(ctx context.Context, t *turn, out workflow.Outcome) (workflow.Outcome, *Directive, error) {
	for out.Action.Kind == workflow.ActionRunStage {
		stage := out.Action.Stage
		flags := out.Flags

		done, err := o.markers.HasCompleted(ctx, markerKey(t.st, stage))
		if err != nil {
			return out, nil, err
		}
		if !done {
			if c, live := t.st.ActiveClaim(stage, o.cfg.ClaimTTL, o.now()); live && c.Owner != t.owner {
				o.logger.Info(ctx, "stage claimed by another worker",
					zap.String("stage", string(stage)),
					zap.String("owner", c.Owner),
				)
				return out, o.inProgress(t, stage), nil
			}

			outputs, err := o.executeStage(ctx, t, out, stage)
			var stageErr *StageError
			if errors.As(err, &stageErr) {
				return out, &Directive{
					Kind:     DirectiveReply,
					Text:     joinText(completedText(t.executed), failedText(stage)),
					Stage:    t.st.Stage,
					Pending:  stage,
					Executed: t.executed,
					Code:     CodeStageFailed,
					Decision: *t.decision,
				}, stageErr
			}
			if err != nil {
				return out, nil, err
			}
			t.executed = append(t.executed, stage)
			flags = t.st.Flags.Clone()
			flags.SetArtifacts(stage, outputs)
		} else {
			EvidenceSkipsTotal.WithLabelValues(string(stage)).Inc()
			o.logger.Info(ctx, "stage already has evidence, not running it again",
				zap.String("stage", string(stage)),
			)
		}

		t.ev[stage] = true
		out, err = workflow.Transition(workflow.Input{
			Stage:    out.Stage,
			Flags:    flags,
			Signal:   workflow.SignalProgress,
			Evidence: t.ev,
		})
		if err != nil {
			return out, nil, err
		}
	}
	return out, nil, nil
}

// executeStage claims stage, runs it and records its evidence. The claim
// write carries out's flags, so a lost claim means nothing was executed.
func (o *Orchestrator) executeStage(ctx context.Context, t *turn, out workflow.Outcome, stage workflow.Stage) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.executeStage")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", t.st.SessionID),
		attribute.String("stage", string(stage)),
	)

	inputs, err := o.stageInputs(ctx, t, stage)
	if err != nil {
		return nil, err
	}

	flags := out.Flags.Clone()
	attempt := flags.Incr(workflow.AttemptedKey(stage))
	flags.Delete(workflow.ErrorKey(stage))
	from := t.st.LoadedStage()
	t.st.Update(out.Stage, flags)

	if _, err := o.sessions.Claim(ctx, t.st, stage, t.owner); err != nil {
		return nil, err
	}
	if t.st.Stage != from {
		o.publish(ctx, events.Event{
			Type:       events.Transitioned,
			SessionID:  t.st.SessionID,
			Generation: t.st.Generation,
			From:       from,
			To:         t.st.Stage,
		})
	}
	o.publish(ctx, events.Event{
		Type:       events.StageStarted,
		SessionID:  t.st.SessionID,
		Generation: t.st.Generation,
		Stage:      stage,
	})
	o.logger.Info(ctx, "executing stage", zap.String("stage", string(stage)), zap.Int("attempt", attempt))

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	start := time.Now()
	outputs, execErr := o.stages.Execute(execCtx, t.st.SessionID, stage, inputs)
	cancel()
	StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	if execErr != nil {
		StageExecutionsTotal.WithLabelValues(string(stage), "failure").Inc()
		stageErr := &StageError{Stage: stage, Attempt: attempt, Err: execErr}
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, stageErr.Error())

		o.release(ctx, t, stage, execErr.Error())
		o.publish(ctx, events.Event{
			Type:       events.StageFailed,
			SessionID:  t.st.SessionID,
			Generation: t.st.Generation,
			Stage:      stage,
			Error:      truncate(execErr.Error(), maxErrorFlagLen),
		})
		return nil, stageErr
	}

	marker := evidence.Marker{Worker: o.cfg.WorkerID, Artifacts: outputs}
	if err := o.markers.RecordCompletion(ctx, markerKey(t.st, stage), marker); err != nil {
		StageExecutionsTotal.WithLabelValues(string(stage), "unrecorded").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.release(ctx, t, stage, "recording completion: "+err.Error())
		return nil, fmt.Errorf("recording completion of %s: %w", stage, err)
	}

	StageExecutionsTotal.WithLabelValues(string(stage), "success").Inc()
	o.publish(ctx, events.Event{
		Type:       events.StageCompleted,
		SessionID:  t.st.SessionID,
		Generation: t.st.Generation,
		Stage:      stage,
	})
	o.logger.Info(ctx, "stage completed",
		zap.String("stage", string(stage)),
		zap.Duration("duration", time.Since(start)),
		zap.Int("artifacts", len(outputs)),
	)
	return outputs, nil
}

// release drops the claim after a failed execution and records the error so
// the next affirmative retries the stage. The message id is rolled back so a
// redelivered retry is not mistaken for a duplicate.
func (o *Orchestrator) release(ctx context.Context, t *turn, stage workflow.Stage, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	flags := t.st.Flags.Clone()
	flags.Delete(workflow.RunningKey(stage))
	flags.Set(workflow.ErrorKey(stage), truncate(reason, maxErrorFlagLen))
	if t.lastID == "" {
		flags.Delete(workflow.FlagLastMessage)
	} else {
		flags.Set(workflow.FlagLastMessage, t.lastID)
	}
	t.st.Update(t.st.Stage, flags)

	if err := o.sessions.Save(ctx, t.st); err != nil {
		o.logger.Error(ctx, "releasing stage claim failed, claim expires after ttl",
			zap.String("stage", string(stage)),
			zap.Duration("claim_ttl", o.cfg.ClaimTTL),
			zap.Error(err),
		)
	}
}

// stageInputs returns what stage consumes: the message attachments for
// intake, otherwise the artifacts recorded with the previous stage's marker.
func (o *Orchestrator) stageInputs(ctx context.Context, t *turn, stage workflow.Stage) (map[string]string, error) {
	prev := previousStage(stage)
	if prev == "" {
		inputs := maps.Clone(t.msg.Attachments)
		if inputs == nil {
			inputs = map[string]string{}
		}
		return inputs, nil
	}

	m, err := o.markers.Get(ctx, markerKey(t.st, prev))
	if errors.Is(err, evidence.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading inputs for %s: %w", stage, err)
	}
	inputs := maps.Clone(m.Artifacts)
	if inputs == nil {
		inputs = map[string]string{}
	}
	return inputs, nil
}

func previousStage(stage workflow.Stage) workflow.Stage {
	var prev workflow.Stage
	for _, s := range workflow.ExecutableStages() {
		if s == stage {
			return prev
		}
		prev = s
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
