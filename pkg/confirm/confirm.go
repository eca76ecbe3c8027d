// Package confirm decides whether an irreversible operation may proceed.
//
// The decision is split in two. Decide is a pure function of the
// environment's policy and the execution flags. When it returns NeedsPrompt,
// Gate.Confirm makes exactly one blocking call to a Prompter and compares the
// answer with the policy keyword:
//
//	gate := confirm.NewGate(prompter)
//	decision, err := gate.Confirm(ctx, target.Confirmation, confirm.Flags{Automated: ci}, "Apply 3 migrations to production?")
//	if decision == confirm.Abort {
//		return confirm.ErrDeclined
//	}
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDeclined is returned by callers when the operator did not confirm.
var ErrDeclined = errors.New("confirmation declined")

// Policy is the confirmation requirement of an environment.
type Policy struct {
	Required bool
	Keyword  string
}

// Flags describe how the command is being run.
type Flags struct {
	// Automated is true for unattended runs (CI, or an explicit
	// auto-confirm flag).
	Automated bool
}

// Requirement is the outcome of Decide.
type Requirement int

const (
	// Skip means no prompt is needed.
	Skip Requirement = iota
	// NeedsPrompt means the operator must type the keyword.
	NeedsPrompt
)

// Decision is the final answer of the gate.
type Decision int

const (
	// Abort means the operation must not run.
	Abort Decision = iota
	// Proceed means the operation may run.
	Proceed
)

func (d Decision) String() string {
	if d == Proceed {
		return "proceed"
	}
	return "abort"
}

// Decide reports whether a prompt is needed. It never blocks.
func Decide(policy Policy, flags Flags) Requirement {
	if flags.Automated || !policy.Required {
		return Skip
	}
	return NeedsPrompt
}

// Matches reports whether input confirms the policy keyword. Comparison is
// case-sensitive after trimming surrounding whitespace.
func Matches(policy Policy, input string) bool {
	return strings.TrimSpace(input) == policy.Keyword
}

// Prompter asks the operator a question and returns the raw answer.
type Prompter interface {
	Prompt(ctx context.Context, title, description string) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, title, description string) (string, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, title, description string) (string, error) {
	return f(ctx, title, description)
}

// Gate combines Decide with a single prompt.
type Gate struct {
	prompter Prompter
}

// NewGate creates a gate that asks prompter when a prompt is needed.
func NewGate(prompter Prompter) *Gate {
	return &Gate{prompter: prompter}
}

// Confirm returns Proceed immediately when no prompt is needed. Otherwise it
// prompts once; there are no retries.
func (g *Gate) Confirm(ctx context.Context, policy Policy, flags Flags, message string) (Decision, error) {
	if Decide(policy, flags) == Skip {
		return Proceed, nil
	}
	if policy.Keyword == "" {
		return Abort, errors.New("confirmation required but no keyword configured")
	}
	if g.prompter == nil {
		return Abort, errors.New("confirmation required but no prompter available (use automated mode)")
	}

	answer, err := g.prompter.Prompt(ctx, message, fmt.Sprintf("Type %q to continue", policy.Keyword))
	if err != nil {
		return Abort, fmt.Errorf("reading confirmation: %w", err)
	}

	if Matches(policy, answer) {
		return Proceed, nil
	}
	return Abort, nil
}
