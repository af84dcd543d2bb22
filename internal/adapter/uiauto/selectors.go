package uiauto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Selector is one lookup strategy for an element.
type Selector struct {
	Using string
	Value string
}

// Strategy constructors. Bare resource ids (no ':') are prefixed with the
// default app package.

func ByID(id string) Selector {
	if !strings.Contains(id, ":") {
		id = YouTubePackage + ":id/" + id
	}
	return Selector{Using: "id", Value: id}
}

func ByAccessibilityID(id string) Selector {
	return Selector{Using: "accessibility id", Value: id}
}

func ByText(text string) Selector {
	return Selector{Using: "-android uiautomator", Value: fmt.Sprintf(`new UiSelector().text("%s")`, text)}
}

func ByTextContains(text string) Selector {
	return Selector{Using: "-android uiautomator", Value: fmt.Sprintf(`new UiSelector().textContains("%s")`, text)}
}

func ByDescContains(desc string) Selector {
	return Selector{Using: "-android uiautomator", Value: fmt.Sprintf(`new UiSelector().descriptionContains("%s")`, desc)}
}

func ByClass(class string) Selector {
	return Selector{Using: "class name", Value: class}
}

func ByXPath(xp string) Selector {
	return Selector{Using: "xpath", Value: xp}
}

// fallbackBudget caps the timeout of every strategy after the first.
const fallbackBudget = 3 * time.Second

// pollInterval is how often a strategy re-probes while waiting.
const pollInterval = 500 * time.Millisecond

// FindWithFallback tries the strategies in order. The first strategy gets the
// full timeout; subsequent strategies get min(timeout, 3s). Absence and
// staleness are swallowed; a nil element with nil error means "not present".
func (s *Session) FindWithFallback(ctx context.Context, strategies []Selector, timeout time.Duration) (*Element, error) {
	for i, sel := range strategies {
		budget := timeout
		if i > 0 && budget > fallbackBudget {
			budget = fallbackBudget
		}
		el, err := s.waitFor(ctx, sel, budget)
		if err != nil {
			return nil, err
		}
		if el != nil {
			return el, nil
		}
	}
	return nil, nil
}

// Exists reports whether any strategy resolves within the timeout.
func (s *Session) Exists(ctx context.Context, strategies []Selector, timeout time.Duration) (bool, error) {
	el, err := s.FindWithFallback(ctx, strategies, timeout)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

// WaitGone blocks until no strategy resolves, or the timeout elapses.
// Returns true when the element disappeared.
func (s *Session) WaitGone(ctx context.Context, strategies []Selector, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		present := false
		for _, sel := range strategies {
			el, err := s.probe(ctx, sel)
			if err != nil {
				return false, err
			}
			if el != nil {
				present = true
				break
			}
		}
		if !present {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// waitFor polls one strategy until it resolves or the budget elapses.
func (s *Session) waitFor(ctx context.Context, sel Selector, budget time.Duration) (*Element, error) {
	deadline := time.Now().Add(budget)
	for {
		el, err := s.probe(ctx, sel)
		if err != nil {
			return nil, err
		}
		if el != nil {
			return el, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// probe does a single lookup, mapping absence and staleness to nil.
func (s *Session) probe(ctx context.Context, sel Selector) (*Element, error) {
	el, err := s.FindElement(ctx, sel.Using, sel.Value)
	if err != nil {
		if errors.Is(err, ErrNoSuchElement) || errors.Is(err, ErrStaleElement) {
			return nil, nil
		}
		return nil, err
	}
	return el, nil
}
