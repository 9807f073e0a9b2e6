// Package blocking implements the mutual-block predicate that gates every
// relay of typing signals and group message fan-out.
package blocking

import (
	"context"
	"fmt"
	"slices"
)

// Subject is a user together with the ids it has blocked.
type Subject struct {
	ID      string
	Blocked []string
}

// Blocks reports whether s has blocked id.
func (s Subject) Blocks(id string) bool {
	return slices.Contains(s.Blocked, id)
}

// IsMutuallyBlocked is true when either user has blocked the other.
func IsMutuallyBlocked(a, b Subject) bool {
	return a.Blocks(b.ID) || b.Blocks(a.ID)
}

// Filter returns the ids of candidates with no block edge against sender,
// preserving candidate order.
func Filter(sender Subject, candidates []Subject) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !IsMutuallyBlocked(sender, c) {
			out = append(out, c.ID)
		}
	}
	return out
}

// Lister loads a user's outgoing block list.
type Lister interface {
	BlockedUsers(ctx context.Context, userID string) ([]string, error)
}

// Checker resolves block lists through a Lister and applies the pure
// predicates. It fails closed: when a block list cannot be read the
// affected relay is suppressed.
type Checker struct {
	lister Lister
}

// NewChecker creates a Checker over lister.
func NewChecker(lister Lister) *Checker {
	return &Checker{lister: lister}
}

// Subject loads userID's block list.
func (c *Checker) Subject(ctx context.Context, userID string) (Subject, error) {
	blocked, err := c.lister.BlockedUsers(ctx, userID)
	if err != nil {
		return Subject{}, fmt.Errorf("blocking: load %s: %w", userID, err)
	}
	return Subject{ID: userID, Blocked: blocked}, nil
}

// Blocked reports whether a and b are mutually blocked. Any lookup error is
// returned and callers must treat it as blocked.
func (c *Checker) Blocked(ctx context.Context, a, b string) (bool, error) {
	sa, err := c.Subject(ctx, a)
	if err != nil {
		return true, err
	}
	sb, err := c.Subject(ctx, b)
	if err != nil {
		return true, err
	}
	return IsMutuallyBlocked(sa, sb), nil
}

// Filter returns the candidates that may receive a relay from senderID.
// A sender lookup failure returns an error and no candidates; a candidate
// whose list cannot be read is dropped. The sender is never returned.
func (c *Checker) Filter(ctx context.Context, senderID string, candidates []string) ([]string, error) {
	sender, err := c.Subject(ctx, senderID)
	if err != nil {
		return nil, err
	}
	subjects := make([]Subject, 0, len(candidates))
	for _, id := range candidates {
		if id == senderID {
			continue
		}
		s, err := c.Subject(ctx, id)
		if err != nil {
			continue
		}
		subjects = append(subjects, s)
	}
	return Filter(sender, subjects), nil
}
