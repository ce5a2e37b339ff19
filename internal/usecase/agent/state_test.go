package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateObserving, StateReasoning, true},
		{StateReasoning, StateActing, true},
		{StateActing, StateDetecting, true},
		{StateDetecting, StateReporting, true},
		{StateReporting, StateObserving, true},
		{StateReporting, StateStalled, true},
		{StateStalled, StateObserving, true},
		{StateStalled, StateFinished, true},
		{StateObserving, StateFinished, true},
		{StateObserving, StateActing, false},
		{StateReasoning, StateDetecting, false},
		{StateFinished, StateObserving, false},
		{StateStalled, StateReasoning, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
