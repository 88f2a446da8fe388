// Package oracle adapts an LLM provider into a categorization oracle:
// given a batch of factor labels and the current group vocabulary it
// returns one group per label.
//
// Replies are treated as untrusted. Anything the parser cannot attribute
// to a requested label is dropped, and labels left without a group are
// reported through ParseError so the caller can retry them.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/factorcanon/internal/labels"
)

// GroupHint is an existing canonical group offered to the oracle
type GroupHint struct {
	Name     string
	Examples []string
}

// Request is one sub-batch of labels plus the ordered group vocabulary.
// Group N in a reply refers to Groups[N-1].
type Request struct {
	Labels []labels.RawLabel
	Groups []GroupHint
}

// Assignment is the oracle's answer for one label
type Assignment struct {
	Label string `json:"label"` // display form of the requested label
	Key   string `json:"key"`   // normalized label key
	Group string `json:"group"` // group display name, existing or new
	New   bool   `json:"new"`   // group was not in the request's vocabulary
}

// Oracle classifies labels into groups
type Oracle interface {
	// Classify returns assignments keyed by normalized label key. On a
	// partial reply it returns what it parsed together with a *ParseError.
	Classify(ctx context.Context, req Request) (map[string]Assignment, error)

	// Source identifies the oracle for provenance, e.g. "openai/gpt-4o-mini"
	Source() string
}

// ParseError reports a reply that could not be parsed, or that left some
// requested labels without a group.
type ParseError struct {
	Reason  string
	Missing []string // display forms of unassigned labels; empty when nothing parsed
	Raw     string   // reply excerpt for logs
}

func (e *ParseError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("oracle reply missing %d label(s): %s", len(e.Missing), e.Reason)
	}
	return "oracle reply unparseable: " + e.Reason
}

// Partial reports whether some assignments were parsed alongside the error
func (e *ParseError) Partial() bool {
	return len(e.Missing) > 0
}

// TimeoutError reports a call that exceeded its per-call deadline
type TimeoutError struct {
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("oracle call timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// excerpt trims a reply for inclusion in errors and logs
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
