package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/flowstate/internal/router"
	"github.com/fyrsmithlabs/flowstate/internal/workflow"
)

var stageNames = map[workflow.Stage]string{
	workflow.StageIngesting:       "data intake",
	workflow.StageComputingStage1: "metric computation",
	workflow.StageComputingStage2: "risk analysis",
	workflow.StageComputingStage3: "downstream planning",
}

func stageName(s workflow.Stage) string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return strings.ReplaceAll(string(s), "_", " ")
}

func joinText(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func completedText(executed []workflow.Stage) string {
	if len(executed) == 0 {
		return ""
	}
	names := make([]string, len(executed))
	for i, s := range executed {
		names[i] = stageName(s)
	}
	if len(names) == 1 {
		return fmt.Sprintf("Finished %s.", names[0])
	}
	return fmt.Sprintf("Finished %s and %s.", strings.Join(names[:len(names)-1], ", "), names[len(names)-1])
}

func askText(s workflow.Stage) string {
	return fmt.Sprintf("Ready to run %s. Reply yes to continue or ask me anything in the meantime.", stageName(s))
}

func completeText() string {
	return "All stages are complete. Ask about the results or say start over to begin a new run."
}

func failedText(s workflow.Stage) string {
	return fmt.Sprintf("The %s step failed. Reply yes to retry it.", stageName(s))
}

func inProgressText(s workflow.Stage) string {
	return fmt.Sprintf("The %s step is already running. Send continue in a moment to check on it.", stageName(s))
}

func statusText(s workflow.Stage, flags workflow.Flags) string {
	if s.Executable() && flags.Get(workflow.ErrorKey(s)) != "" {
		return failedText(s)
	}
	if p := workflow.PendingConfirmation(s, flags); p != "" {
		return askText(p)
	}
	switch s {
	case workflow.StageIdle:
		return "Upload your data and say continue to start the pipeline."
	case workflow.StageComplete:
		return completeText()
	}
	return fmt.Sprintf("Currently at %s. Say continue to proceed.", stageName(s))
}

func declineText(pending workflow.Stage) string {
	if pending == "" {
		return "Okay, holding here. Say continue whenever you are ready."
	}
	return fmt.Sprintf("Okay, holding off on %s. Say continue whenever you are ready.", stageName(pending))
}

func clarifyText(catalog router.Catalog) string {
	if len(catalog) == 0 {
		return "I'm not sure what you'd like to do. Say continue to move the pipeline forward, or ask a question."
	}
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	slices.Sort(names)
	return fmt.Sprintf("I'm not sure what you'd like to do. Say continue to move the pipeline forward, or name a tool: %s.", strings.Join(names, ", "))
}

func toolUnavailableText(tool string) string {
	return fmt.Sprintf("The %s tool is not available right now.", tool)
}

func chatFallbackText() string {
	return "I can't answer free-form questions right now. Say continue to move the pipeline forward."
}

func resetText() string {
	return "Starting over. Upload your data and say continue to begin a new run."
}

func resetRaceText() string {
	return "This session was restarted while your message was being handled. Send it again to continue."
}
