package router

import (
	"context"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/flowstate/internal/workflow"
)

// Label names understood by classifiers. Tool labels are "tool:<name>".
const (
	LabelWorkflow = "workflow"
	LabelChat     = "chat"
	toolPrefix    = "tool:"
)

// Label is one classification target.
type Label struct {
	Name        string
	Description string
}

// ClassifyRequest is the input to a Classifier.
type ClassifyRequest struct {
	Message string
	Stage   workflow.Stage
	Labels  []Label
}

// Classification is a classifier's best guess.
type Classification struct {
	Label      string
	Confidence float64
}

// Classifier is the semantic tier of the router.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Classification, error)
}

// ToolLabel returns the label for a catalog tool.
func ToolLabel(name string) string {
	return toolPrefix + name
}

// toolFromLabel extracts a tool name from a label.
func toolFromLabel(label string) (string, bool) {
	if !strings.HasPrefix(label, toolPrefix) {
		return "", false
	}
	return strings.TrimPrefix(label, toolPrefix), true
}

// buildLabels returns labels in a stable order so classifier prompts are
// identical for identical inputs.
func buildLabels(workflowDesc, chatDesc string, catalog Catalog) []Label {
	labels := []Label{
		{Name: LabelWorkflow, Description: workflowDesc},
		{Name: LabelChat, Description: chatDesc},
	}

	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		labels = append(labels, Label{Name: ToolLabel(name), Description: catalog[name]})
	}
	return labels
}
