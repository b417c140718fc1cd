package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorted keys", `{"b":2,"a":1}`, `{"a":1,"b":2}`},
		{"nested objects", `{"z":{"y":2,"x":1},"a":[{"c":3,"b":2}]}`, `{"a":[{"b":2,"c":3}],"z":{"x":1,"y":2}}`},
		{"whitespace stripped", "{ \"a\" : 1 }", `{"a":1}`},
		{"array order preserved", `[3,1,2]`, `[3,1,2]`},
		{"empty", ``, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Canonicalize(json.RawMessage(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashDeterministic(t *testing.T) {
	t.Parallel()

	h := NewHasher()
	a, err := h.Hash(&workflow.TaskRequest{Name: "process_order", Context: json.RawMessage(`{"x":1,"y":2}`)})
	require.NoError(t, err)
	b, err := h.Hash(&workflow.TaskRequest{Name: "process_order", Context: json.RawMessage(`{"y": 2, "x": 1}`)})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order must not change the hash")
	assert.Len(t, a, 64)
}

func TestHashDiscriminates(t *testing.T) {
	t.Parallel()

	h := NewHasher()
	base := workflow.TaskRequest{Name: "process_order", Context: json.RawMessage(`{"x":1}`)}
	baseHash, err := h.Hash(&base)
	require.NoError(t, err)

	variants := []workflow.TaskRequest{
		{Name: "process_refund", Context: base.Context},
		{Name: base.Name, Namespace: "billing", Context: base.Context},
		{Name: base.Name, Version: "2.0.0", Context: base.Context},
		{Name: base.Name, Context: json.RawMessage(`{"x":2}`)},
		{Name: base.Name, Context: base.Context, Initiator: "alice"},
		{Name: base.Name, Context: base.Context, SourceSystem: "crm"},
	}
	for _, v := range variants {
		got, err := h.Hash(&v)
		require.NoError(t, err)
		assert.NotEqual(t, baseHash, got)
	}

	// Reason and tags are advisory and do not affect identity.
	same := base
	same.Reason = "resubmitted"
	same.Tags = []string{"bulk"}
	got, err := h.Hash(&same)
	require.NoError(t, err)
	assert.Equal(t, baseHash, got)
}

func TestHashRejectsInvalidContext(t *testing.T) {
	t.Parallel()

	_, err := NewHasher().Hash(&workflow.TaskRequest{Name: "x", Context: json.RawMessage(`{oops`)})
	require.Error(t, err)
}
