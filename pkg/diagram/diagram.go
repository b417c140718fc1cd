// Package diagram renders a task's step DAG as a graph document and as a
// Mermaid-compatible flowchart string, for operators inspecting stuck
// workflows.
package diagram

import (
	"fmt"
	"strings"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Flow directions.
const (
	DirectionTopDown     = "TD"
	DirectionLeftToRight = "LR"
)

// Node is one vertex of the rendered graph.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Shape string `json:"shape,omitempty"`
	Style string `json:"style,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Edge is one directed dependency between two nodes.
type Edge struct {
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
	Label     string `json:"label,omitempty"`
	Type      string `json:"type,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Diagram is the serializable graph document returned by the API.
type Diagram struct {
	Title     string `json:"title,omitempty"`
	Direction string `json:"direction"`
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
}

// stateStyles colors nodes by step state in the rendered flowchart.
var stateStyles = map[workflow.StepState]string{
	workflow.StepStatePending:          "fill:#e8e8e8",
	workflow.StepStateInProgress:       "fill:#a3d5ff",
	workflow.StepStateComplete:         "fill:#a3e9a4",
	workflow.StepStateError:            "fill:#ffb3b3",
	workflow.StepStateCancelled:        "fill:#d0d0d0",
	workflow.StepStateResolvedManually: "fill:#ffe8a3",
}

// FromTask builds a diagram for the task's step DAG. states maps step ID to
// current state; steps without an entry render unstyled.
func FromTask(task *workflow.Task, steps []workflow.WorkflowStep, edges []workflow.StepEdge, states map[string]workflow.StepState) *Diagram {
	d := &Diagram{
		Title:     task.Template.String(),
		Direction: DirectionTopDown,
		Nodes:     make([]Node, 0, len(steps)),
		Edges:     make([]Edge, 0, len(edges)),
	}

	for _, step := range steps {
		id := step.ID.String()
		label := step.Name
		state, ok := states[id]
		if ok {
			label = fmt.Sprintf("%s<br/>%s (attempts: %d)", step.Name, state, step.Attempts)
		}
		d.Nodes = append(d.Nodes, Node{
			ID:    id,
			Label: label,
			Shape: "box",
			Style: stateStyles[state],
		})
	}

	for _, edge := range edges {
		d.Edges = append(d.Edges, Edge{
			SourceID:  edge.FromStepID.String(),
			TargetID:  edge.ToStepID.String(),
			Label:     edge.Name,
			Type:      "dependency",
			Direction: d.Direction,
		})
	}
	return d
}

// Mermaid serializes the diagram as flowchart syntax. Node labels may
// contain <br/> line breaks; edge labels render pipe-delimited.
func (d *Diagram) Mermaid() string {
	var b strings.Builder

	direction := d.Direction
	if direction == "" {
		direction = DirectionTopDown
	}
	if d.Title != "" {
		fmt.Fprintf(&b, "---\ntitle: %s\n---\n", d.Title)
	}
	fmt.Fprintf(&b, "flowchart %s\n", direction)

	for _, n := range d.Nodes {
		fmt.Fprintf(&b, "  %s[\"%s\"]\n", sanitizeID(n.ID), escapeLabel(n.Label))
	}
	for _, e := range d.Edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "  %s -->|%s| %s\n", sanitizeID(e.SourceID), escapeLabel(e.Label), sanitizeID(e.TargetID))
		} else {
			fmt.Fprintf(&b, "  %s --> %s\n", sanitizeID(e.SourceID), sanitizeID(e.TargetID))
		}
	}
	for _, n := range d.Nodes {
		if n.Style != "" {
			fmt.Fprintf(&b, "  style %s %s\n", sanitizeID(n.ID), n.Style)
		}
	}
	return b.String()
}

// sanitizeID maps arbitrary IDs onto Mermaid's identifier alphabet.
func sanitizeID(id string) string {
	return "n" + strings.NewReplacer("-", "", ".", "_").Replace(id)
}

// escapeLabel neutralizes characters that would break the flowchart syntax.
// <br/> is left intact so multi-line labels render.
func escapeLabel(label string) string {
	label = strings.ReplaceAll(label, `"`, "#quot;")
	label = strings.ReplaceAll(label, "|", "#124;")
	return label
}
