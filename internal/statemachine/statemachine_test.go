package statemachine_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/domain"
	"fieldproof/internal/statemachine"
)

func TestTransitionGrid(t *testing.T) {
	tests := []struct {
		kind     statemachine.Kind
		states   int
		allowed  map[string][]string
		terminal []string
	}{
		{
			kind:   statemachine.Task,
			states: 8,
			allowed: map[string][]string{
				domain.TaskDraft:     {domain.TaskPosted, domain.TaskCancelled},
				domain.TaskPosted:    {domain.TaskClaimed, domain.TaskCancelled, domain.TaskExpired},
				domain.TaskClaimed:   {domain.TaskPosted, domain.TaskSubmitted, domain.TaskCancelled, domain.TaskExpired},
				domain.TaskSubmitted: {domain.TaskAccepted, domain.TaskDisputed, domain.TaskCancelled},
				domain.TaskDisputed:  {domain.TaskAccepted, domain.TaskCancelled},
			},
			terminal: []string{domain.TaskAccepted, domain.TaskCancelled, domain.TaskExpired},
		},
		{
			kind:   statemachine.Claim,
			states: 4,
			allowed: map[string][]string{
				domain.ClaimActive: {domain.ClaimReleased, domain.ClaimExpired, domain.ClaimConverted},
			},
			terminal: []string{domain.ClaimReleased, domain.ClaimExpired, domain.ClaimConverted},
		},
		{
			kind:   statemachine.Submission,
			states: 7,
			allowed: map[string][]string{
				domain.SubmissionCreated:   {domain.SubmissionUploading},
				domain.SubmissionUploading: {domain.SubmissionFinalised},
				domain.SubmissionFinalised: {domain.SubmissionAccepted, domain.SubmissionRejected},
				domain.SubmissionRejected:  {domain.SubmissionDisputed},
				domain.SubmissionDisputed:  {domain.SubmissionResolved},
			},
			terminal: []string{domain.SubmissionAccepted, domain.SubmissionResolved},
		},
		{
			kind:   statemachine.Dispute,
			states: 4,
			allowed: map[string][]string{
				domain.DisputeOpened:          {domain.DisputeEvidencePending, domain.DisputeUnderReview},
				domain.DisputeEvidencePending: {domain.DisputeUnderReview},
				domain.DisputeUnderReview:     {domain.DisputeResolved},
			},
			terminal: []string{domain.DisputeResolved},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			states := statemachine.States(tt.kind)
			require.Len(t, states, tt.states)
			for _, from := range states {
				for _, to := range states {
					want := contains(tt.allowed[from], to)
					assert.Equal(t, want, statemachine.CanTransition(tt.kind, from, to), "%s -> %s", from, to)
				}
				assert.Equal(t, contains(tt.terminal, from), statemachine.IsTerminal(tt.kind, from), from)
			}
		})
	}
	assert.Equal(t, []string{domain.ClaimReleased, domain.ClaimExpired, domain.ClaimConverted},
		statemachine.Next(statemachine.Claim, domain.ClaimActive))
}

func TestEnsureReturnsTransitionError(t *testing.T) {
	err := statemachine.Ensure(statemachine.Task, domain.TaskAccepted, domain.TaskPosted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	var te *statemachine.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, statemachine.Task, te.Kind)
	assert.Equal(t, domain.TaskAccepted, te.From)
	assert.Equal(t, domain.TaskPosted, te.To)

	assert.NoError(t, statemachine.Ensure(statemachine.Task, domain.TaskDraft, domain.TaskPosted))
	assert.False(t, statemachine.CanTransition("unknown", "a", "b"))
}

func TestTerminalStatesNeverTransition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states have no outgoing edges and no state loops to itself", prop.ForAll(
		func(kindIdx, fromIdx, toIdx int) bool {
			kinds := statemachine.Kinds()
			kind := kinds[kindIdx%len(kinds)]
			states := statemachine.States(kind)
			from := states[fromIdx%len(states)]
			to := states[toIdx%len(states)]
			if from == to && statemachine.CanTransition(kind, from, to) {
				return false
			}
			if statemachine.IsTerminal(kind, from) && statemachine.CanTransition(kind, from, to) {
				return false
			}
			err := statemachine.Ensure(kind, from, to)
			return (err == nil) == statemachine.CanTransition(kind, from, to)
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
