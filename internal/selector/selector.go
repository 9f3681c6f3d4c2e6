// Package selector resolves logical UI targets through ordered fallback
// chains of locators, since the target site's class names drift.
package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/louca1221/price-tracker/internal/browser"
)

// ErrElementNotFound means every candidate of a Spec was exhausted.
var ErrElementNotFound = errors.New("element not found")

// Spec is an ordered list of candidate locators for one logical target.
type Spec struct {
	Name       string
	Candidates []string
}

// NewSpec builds a Spec.
func NewSpec(name string, candidates ...string) Spec {
	return Spec{Name: name, Candidates: candidates}
}

// NotFoundError reports which candidates were tried for a target.
type NotFoundError struct {
	Target string
	Tried  []string
	// Stuck is set when a candidate existed but never became visible.
	Stuck string
}

func (e *NotFoundError) Error() string {
	if e.Stuck != "" {
		return fmt.Sprintf("%s: %s exists but never became visible (tried %s)",
			e.Target, e.Stuck, strings.Join(e.Tried, " | "))
	}
	return fmt.Sprintf("%s: no candidate matched (tried %s)", e.Target, strings.Join(e.Tried, " | "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrElementNotFound }

// Resolver finds elements on a page.
type Resolver struct {
	page     browser.Page
	interval time.Duration
	logger   zerolog.Logger
}

// NewResolver creates a Resolver polling at interval.
func NewResolver(page browser.Page, interval time.Duration, logger zerolog.Logger) *Resolver {
	return &Resolver{page: page, interval: interval, logger: logger}
}

// Probe makes a single existence pass in list order and returns the first
// candidate that exists. It never waits.
func (r *Resolver) Probe(ctx context.Context, spec Spec) (string, bool, error) {
	if len(spec.Candidates) == 0 {
		return "", false, fmt.Errorf("%s: selector spec has no candidates", spec.Name)
	}
	for _, loc := range spec.Candidates {
		ok, err := r.page.Exists(ctx, loc)
		if err != nil {
			return "", false, fmt.Errorf("%s: %w", spec.Name, err)
		}
		if ok {
			return loc, true, nil
		}
	}
	return "", false, nil
}

// ProbeVisible returns the first candidate that is currently visible.
func (r *Resolver) ProbeVisible(ctx context.Context, spec Spec) (string, bool, error) {
	for _, loc := range spec.Candidates {
		ok, err := r.page.Visible(ctx, loc)
		if err != nil {
			return "", false, fmt.Errorf("%s: %w", spec.Name, err)
		}
		if ok {
			return loc, true, nil
		}
	}
	return "", false, nil
}

// Resolve repeats cheap existence passes until some candidate exists, then
// waits for that candidate alone to become visible. Both phases share timeout.
func (r *Resolver) Resolve(ctx context.Context, spec Spec, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	var found string
	err := browser.Poll(ctx, timeout, r.interval, func(ctx context.Context) (bool, error) {
		loc, ok, err := r.Probe(ctx, spec)
		if err != nil {
			return false, err
		}
		found = loc
		return ok, nil
	})
	if errors.Is(err, browser.ErrTimeout) {
		r.logger.Debug().Str("target", spec.Name).Strs("tried", spec.Candidates).Msg("no candidate matched")
		return "", &NotFoundError{Target: spec.Name, Tried: spec.Candidates}
	}
	if err != nil {
		return "", err
	}

	err = browser.Poll(ctx, time.Until(deadline), r.interval, func(ctx context.Context) (bool, error) {
		return r.page.Visible(ctx, found)
	})
	if errors.Is(err, browser.ErrTimeout) {
		return "", &NotFoundError{Target: spec.Name, Tried: spec.Candidates, Stuck: found}
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", spec.Name, err)
	}
	r.logger.Debug().Str("target", spec.Name).Str("locator", found).Msg("resolved")
	return found, nil
}
