package workflow

// Signal is the workflow-relevant reading of a routing decision.
type Signal string

const (
	// SignalNone carries no workflow intent (general chat, tool calls, clarification).
	SignalNone Signal = "none"

	// SignalAdvance asks the workflow to move forward.
	SignalAdvance Signal = "advance"

	// SignalConfirm is an explicit affirmative to a pending confirmation.
	SignalConfirm Signal = "confirm"

	// SignalDecline is an explicit negative to a pending confirmation.
	SignalDecline Signal = "decline"

	// SignalReset restarts the workflow from Idle.
	SignalReset Signal = "reset"

	// SignalProgress re-derives the state after new evidence was recorded.
	// It is issued by the orchestrator, never by the router.
	SignalProgress Signal = "progress"
)

// Evidence is the set of stages whose completion markers exist for the
// session's current generation.
type Evidence map[Stage]bool

// Has reports whether stage has a completion marker.
func (e Evidence) Has(s Stage) bool {
	return e[s]
}

// ActionKind names what the orchestrator must do after a transition.
type ActionKind string

const (
	// ActionNone requires no workflow side effect.
	ActionNone ActionKind = "none"

	// ActionRunStage executes Action.Stage through the collaborator.
	ActionRunStage ActionKind = "run_stage"

	// ActionAskConfirmation asks the user to approve Action.Stage.
	ActionAskConfirmation ActionKind = "ask_confirmation"

	// ActionReset purges evidence for the session.
	ActionReset ActionKind = "reset"

	// ActionComplete reports that the pipeline has finished.
	ActionComplete ActionKind = "complete"
)

// Action is the side effect requested by a transition.
type Action struct {
	Kind  ActionKind
	Stage Stage
}

// Input is everything Transition depends on.
type Input struct {
	Stage    Stage
	Flags    Flags
	Signal   Signal
	Evidence Evidence

	// ConfirmTarget is the stage the user's affirmative referred to when the
	// message was first routed. A confirm aimed at a stage that has since
	// completed is treated as a duplicate and does not approve the next one.
	ConfirmTarget Stage
}

// Outcome is the result of a transition.
type Outcome struct {
	Stage  Stage
	Action Action
	Flags  Flags

	// Skipped lists stages passed over because their evidence already existed.
	Skipped []Stage
}

// Advanced reports whether the outcome moved the stage forward from in.
func (o Outcome) Advanced(from Stage) bool {
	return o.Stage.Ordinal() > from.Ordinal()
}

// Transition computes the next state. It never mutates in.Flags.
func Transition(in Input) (Outcome, error) {
	if !in.Stage.Valid() {
		_, err := ParseStage(string(in.Stage))
		return Outcome{}, err
	}

	if in.Signal == SignalReset {
		return Outcome{
			Stage:  StageIdle,
			Action: Action{Kind: ActionReset},
			Flags:  resetFlags(in.Flags),
		}, nil
	}

	flags := in.Flags.Clone()
	stage, skipped := settle(in.Stage, in.Evidence, flags)

	signal := in.Signal
	if len(skipped) > 0 && (signal == SignalConfirm || signal == SignalAdvance) {
		// A prior request already advanced the workflow.
		signal = SignalProgress
	}
	if signal == SignalConfirm && in.ConfirmTarget != "" && in.ConfirmTarget != PendingConfirmation(stage, flags) {
		signal = SignalProgress
	}

	out := Outcome{Stage: stage, Flags: flags, Skipped: skipped, Action: Action{Kind: ActionNone}}

	switch stage {
	case StageIdle:
		if signal == SignalAdvance || signal == SignalConfirm {
			out.Stage = StageIngesting
			out.Action = run(StageIngesting)
		}

	case StageIngesting:
		if signal == SignalAdvance || signal == SignalConfirm {
			out.Action = run(StageIngesting)
		}

	case StageComputingStage1:
		switch signal {
		case SignalAdvance, SignalConfirm, SignalProgress:
			out.Action = run(StageComputingStage1)
		}

	case StageAwaitingConfirmation:
		switch signal {
		case SignalConfirm:
			flags.SetBool(ConfirmedKey(StageComputingStage2), true)
			out.Stage = StageComputingStage2
			out.Action = run(StageComputingStage2)
		case SignalAdvance, SignalProgress:
			flags.SetBool(AskedKey(StageComputingStage2), true)
			out.Action = Action{Kind: ActionAskConfirmation, Stage: StageComputingStage2}
		}

	case StageComputingStage2:
		// Entered only after approval, so a retry does not ask again.
		if signal == SignalAdvance || signal == SignalConfirm {
			out.Action = run(StageComputingStage2)
		}

	case StageComputingStage3:
		confirmed := flags.Bool(ConfirmedKey(StageComputingStage3))
		switch {
		case signal == SignalConfirm:
			flags.SetBool(ConfirmedKey(StageComputingStage3), true)
			out.Action = run(StageComputingStage3)
		case signal == SignalAdvance && confirmed:
			out.Action = run(StageComputingStage3)
		case (signal == SignalAdvance || signal == SignalProgress) && !confirmed:
			flags.SetBool(AskedKey(StageComputingStage3), true)
			out.Action = Action{Kind: ActionAskConfirmation, Stage: StageComputingStage3}
		}

	case StageComplete:
		if signal == SignalAdvance || signal == SignalConfirm || (signal == SignalProgress && len(skipped) > 0) {
			out.Action = Action{Kind: ActionComplete}
		}
	}

	return out, nil
}

func run(s Stage) Action {
	return Action{Kind: ActionRunStage, Stage: s}
}

// evidenceFloor returns the earliest stage consistent with the evidence.
func evidenceFloor(e Evidence) Stage {
	switch {
	case e.Has(StageComputingStage3):
		return StageComplete
	case e.Has(StageComputingStage2):
		return StageComputingStage3
	case e.Has(StageComputingStage1):
		return StageAwaitingConfirmation
	case e.Has(StageIngesting):
		return StageComputingStage1
	}
	return StageIdle
}

// settle moves stage forward to the evidence floor and tidies flags of
// every stage that has evidence.
func settle(stage Stage, e Evidence, flags Flags) (Stage, []Stage) {
	for _, s := range ExecutableStages() {
		if e.Has(s) {
			flags.clearStage(s)
			flags.SetBool(CompletedKey(s), true)
		}
	}

	floor := evidenceFloor(e)
	if floor.Ordinal() <= stage.Ordinal() {
		return stage, nil
	}

	var skipped []Stage
	for _, s := range ExecutableStages() {
		if s.Ordinal() >= stage.Ordinal() && s.Ordinal() < floor.Ordinal() && e.Has(s) {
			skipped = append(skipped, s)
		}
	}
	return floor, skipped
}

// resetFlags keeps only message bookkeeping across a reset.
func resetFlags(f Flags) Flags {
	out := Flags{}
	if id := f.Get(FlagLastMessage); id != "" {
		out.Set(FlagLastMessage, id)
	}
	return out
}
