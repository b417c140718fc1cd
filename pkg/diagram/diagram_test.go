package diagram

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

func TestFromTask(t *testing.T) {
	t.Parallel()

	taskID := uuid.New()
	task := &workflow.Task{
		ID:       taskID,
		Template: workflow.TemplateRef{Namespace: "orders", Name: "checkout", Version: "1.0.0"},
	}
	first := workflow.WorkflowStep{ID: uuid.New(), TaskID: taskID, Name: "reserve", Attempts: 1}
	second := workflow.WorkflowStep{ID: uuid.New(), TaskID: taskID, Name: "charge"}
	edges := []workflow.StepEdge{
		{TaskID: taskID, FromStepID: first.ID, ToStepID: second.ID, Name: "reserved"},
	}
	states := map[string]workflow.StepState{
		first.ID.String():  workflow.StepStateComplete,
		second.ID.String(): workflow.StepStatePending,
	}

	d := FromTask(task, []workflow.WorkflowStep{first, second}, edges, states)

	assert.Equal(t, "orders/checkout@1.0.0", d.Title)
	assert.Equal(t, DirectionTopDown, d.Direction)
	require.Len(t, d.Nodes, 2)
	require.Len(t, d.Edges, 1)

	assert.Equal(t, "reserve<br/>complete (attempts: 1)", d.Nodes[0].Label)
	assert.Equal(t, "fill:#a3e9a4", d.Nodes[0].Style)
	assert.Equal(t, first.ID.String(), d.Edges[0].SourceID)
	assert.Equal(t, "reserved", d.Edges[0].Label)
}

func TestMermaid(t *testing.T) {
	t.Parallel()

	d := &Diagram{
		Title:     "orders/checkout@1.0.0",
		Direction: DirectionLeftToRight,
		Nodes: []Node{
			{ID: "a-1", Label: "reserve<br/>complete", Style: "fill:#a3e9a4"},
			{ID: "b-2", Label: `charge "card"`},
		},
		Edges: []Edge{
			{SourceID: "a-1", TargetID: "b-2", Label: "then|next"},
		},
	}

	out := d.Mermaid()

	assert.Contains(t, out, "flowchart LR\n")
	assert.Contains(t, out, "title: orders/checkout@1.0.0")
	assert.Contains(t, out, `na1["reserve<br/>complete"]`)
	assert.Contains(t, out, "  na1 -->|then#124;next| nb2\n")
	assert.Contains(t, out, "  style na1 fill:#a3e9a4\n")

	// Quotes in labels are escaped, not emitted raw.
	assert.Contains(t, out, "charge #quot;card#quot;")
	assert.Equal(t, 1, strings.Count(out, "flowchart"))
}

func TestMermaidUnlabeledEdge(t *testing.T) {
	t.Parallel()

	d := &Diagram{
		Direction: DirectionTopDown,
		Nodes:     []Node{{ID: "x", Label: "x"}, {ID: "y", Label: "y"}},
		Edges:     []Edge{{SourceID: "x", TargetID: "y"}},
	}
	assert.Contains(t, d.Mermaid(), "  nx --> ny\n")
}
