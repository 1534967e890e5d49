// Package statemachine holds the lifecycle tables for tasks, claims,
// submissions and disputes. The tables are data; nothing here touches storage.
package statemachine

import (
	"fmt"
	"sort"

	"fieldproof/internal/domain"
)

// Kind names an entity with a lifecycle.
type Kind string

const (
	Task       Kind = "task"
	Claim      Kind = "claim"
	Submission Kind = "submission"
	Dispute    Kind = "dispute"
)

type table map[string][]string

var tables = map[Kind]table{
	Task: {
		domain.TaskDraft:     {domain.TaskPosted, domain.TaskCancelled},
		domain.TaskPosted:    {domain.TaskClaimed, domain.TaskCancelled, domain.TaskExpired},
		domain.TaskClaimed:   {domain.TaskPosted, domain.TaskSubmitted, domain.TaskCancelled, domain.TaskExpired},
		domain.TaskSubmitted: {domain.TaskAccepted, domain.TaskDisputed, domain.TaskCancelled},
		domain.TaskDisputed:  {domain.TaskAccepted, domain.TaskCancelled},
		domain.TaskAccepted:  nil,
		domain.TaskCancelled: nil,
		domain.TaskExpired:   nil,
	},
	Claim: {
		domain.ClaimActive:    {domain.ClaimReleased, domain.ClaimExpired, domain.ClaimConverted},
		domain.ClaimReleased:  nil,
		domain.ClaimExpired:   nil,
		domain.ClaimConverted: nil,
	},
	Submission: {
		domain.SubmissionCreated:   {domain.SubmissionUploading},
		domain.SubmissionUploading: {domain.SubmissionFinalised},
		domain.SubmissionFinalised: {domain.SubmissionAccepted, domain.SubmissionRejected},
		domain.SubmissionRejected:  {domain.SubmissionDisputed},
		domain.SubmissionDisputed:  {domain.SubmissionResolved},
		domain.SubmissionAccepted:  nil,
		domain.SubmissionResolved:  nil,
	},
	Dispute: {
		domain.DisputeOpened:          {domain.DisputeEvidencePending, domain.DisputeUnderReview},
		domain.DisputeEvidencePending: {domain.DisputeUnderReview},
		domain.DisputeUnderReview:     {domain.DisputeResolved},
		domain.DisputeResolved:        nil,
	},
}

// TransitionError reports a move the table does not allow.
type TransitionError struct {
	Kind Kind
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == domain.ErrInvalidTransition
}

// CanTransition reports whether from -> to is allowed for kind.
func CanTransition(kind Kind, from, to string) bool {
	t, ok := tables[kind]
	if !ok {
		return false
	}
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ensure returns a *TransitionError when from -> to is not allowed.
func Ensure(kind Kind, from, to string) error {
	if !CanTransition(kind, from, to) {
		return &TransitionError{Kind: kind, From: from, To: to}
	}
	return nil
}

// States lists every known state of kind in sorted order.
func States(kind Kind) []string {
	t := tables[kind]
	out := make([]string, 0, len(t))
	for s := range t {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Next lists the states reachable in one step from s.
func Next(kind Kind, s string) []string {
	next := tables[kind][s]
	out := make([]string, len(next))
	copy(out, next)
	return out
}

func IsTerminal(kind Kind, s string) bool {
	next, ok := tables[kind][s]
	return ok && len(next) == 0
}

// Kinds returns all lifecycles in a stable order.
func Kinds() []Kind {
	return []Kind{Task, Claim, Submission, Dispute}
}
