// Package grouping partitions a population of connections into rooms of
// bounded size. It has no side effects; randomness is injected.
package grouping

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// Policy decides what happens to a final remainder smaller than MinSize.
type Policy string

const (
	// PolicySplit re-splits the last full group plus the remainder into two
	// near-equal groups. Falls back to PolicyMerge when a half would be
	// smaller than MinSize.
	PolicySplit Policy = "split"
	// PolicyMerge appends the remainder to the last full group, which may
	// then exceed MaxSize.
	PolicyMerge Policy = "merge"
	// PolicyAllowUndersized keeps a remainder of two or more as its own
	// group. A singleton remainder is handled like PolicySplit.
	PolicyAllowUndersized Policy = "allow-undersized"
)

var ErrInvalidOptions = errors.New("invalid grouping options")

type Options struct {
	MinSize int
	MaxSize int
	Policy  Policy
	// AllowUndersizedFinalGroup applies when the whole population is smaller
	// than MinSize: true forms one undersized group, false leaves everyone
	// unassigned.
	AllowUndersizedFinalGroup bool
}

func DefaultOptions() Options {
	return Options{
		MinSize:                   2,
		MaxSize:                   4,
		Policy:                    PolicySplit,
		AllowUndersizedFinalGroup: true,
	}
}

func (o Options) Validate() error {
	if o.MinSize < 1 {
		return fmt.Errorf("%w: min size %d must be at least 1", ErrInvalidOptions, o.MinSize)
	}
	if o.MaxSize < o.MinSize {
		return fmt.Errorf("%w: max size %d is below min size %d", ErrInvalidOptions, o.MaxSize, o.MinSize)
	}
	switch o.Policy {
	case PolicySplit, PolicyMerge, PolicyAllowUndersized:
		return nil
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidOptions, o.Policy)
	}
}

func ParsePolicy(raw string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PolicySplit, PolicyMerge, PolicyAllowUndersized:
		return p, nil
	case "":
		return PolicySplit, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrInvalidOptions, raw)
}

// Partition shuffles items uniformly and chunks them greedily into groups of
// MaxSize, resolving the final remainder according to opts.Policy.
//
// Duplicates in items are ignored. An empty input yields no groups. The
// result is reproducible for a given rng state; a nil rng uses the
// auto-seeded global source.
func Partition[T comparable](items []T, opts Options, rng *rand.Rand) ([][]T, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	pool := dedupe(items)
	if len(pool) == 0 {
		return [][]T{}, nil
	}

	shuffle(pool, rng)

	if len(pool) < opts.MinSize {
		if opts.AllowUndersizedFinalGroup {
			return [][]T{pool}, nil
		}
		return [][]T{}, nil
	}

	groups := make([][]T, 0, len(pool)/opts.MaxSize+1)
	rest := pool
	for len(rest) > opts.MaxSize {
		groups = append(groups, slices.Clone(rest[:opts.MaxSize]))
		rest = rest[opts.MaxSize:]
	}

	if len(rest) >= opts.MinSize {
		return append(groups, slices.Clone(rest)), nil
	}

	// len(pool) >= MinSize and the remainder is short, so at least one full
	// group exists here.
	switch opts.Policy {
	case PolicyAllowUndersized:
		if len(rest) >= 2 {
			return append(groups, slices.Clone(rest)), nil
		}
		return splitLast(groups, rest, opts.MinSize), nil
	case PolicyMerge:
		return mergeLast(groups, rest), nil
	default:
		return splitLast(groups, rest, opts.MinSize), nil
	}
}

func splitLast[T any](groups [][]T, rest []T, minSize int) [][]T {
	last := groups[len(groups)-1]
	combined := make([]T, 0, len(last)+len(rest))
	combined = append(combined, last...)
	combined = append(combined, rest...)

	hi := (len(combined) + 1) / 2
	if len(combined)-hi < minSize {
		return mergeLast(groups, rest)
	}

	groups[len(groups)-1] = combined[:hi:hi]
	return append(groups, combined[hi:])
}

func mergeLast[T any](groups [][]T, rest []T) [][]T {
	groups[len(groups)-1] = append(groups[len(groups)-1], rest...)
	return groups
}

func shuffle[T any](items []T, rng *rand.Rand) {
	swap := func(i, j int) { items[i], items[j] = items[j], items[i] }
	if rng == nil {
		rand.Shuffle(len(items), swap)
		return
	}
	rng.Shuffle(len(items), swap)
}

func dedupe[T comparable](items []T) []T {
	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
