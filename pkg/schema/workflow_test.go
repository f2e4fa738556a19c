package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepNodeKind(t *testing.T) {
	tests := []struct {
		name string
		step StepNode
		want StepKind
	}{
		{"task", StepNode{ID: "a", Task: "do"}, StepKindTask},
		{"code task", StepNode{ID: "a", Code: "1"}, StepKindTask},
		{"while", StepNode{ID: "a", While: &WhileClause{}}, StepKindWhile},
		{"if", StepNode{ID: "a", If: &IfClause{}}, StepKindIf},
		{"try", StepNode{ID: "a", Try: &TryClause{}}, StepKindTry},
		{"break", StepNode{Break: true}, StepKindBreak},
		{"continue", StepNode{Continue: true}, StepKindContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.step.Kind())
		})
	}
}

func TestStepNodeOutputKey(t *testing.T) {
	assert.Equal(t, "b", (&StepNode{ID: "a", Output: "b"}).OutputKey())
	assert.Equal(t, "a", (&StepNode{ID: "a"}).OutputKey())
	assert.Equal(t, "", (&StepNode{Break: true}).OutputKey())
}
