package gqlite

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Policy selects how concurrent calls on one database are admitted.
type Policy string

const (
	// PolicyExclusive admits one native call at a time.
	PolicyExclusive Policy = "exclusive"

	// PolicySharedRead lets read-only queries overlap while writes run
	// alone. It applies only when the library supports concurrent reads.
	PolicySharedRead Policy = "shared-read"
)

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyExclusive:
		return PolicyExclusive, nil
	case PolicySharedRead:
		return PolicySharedRead, nil
	}
	return "", fmt.Errorf("unknown concurrency policy %q", s)
}

// DefaultMaxReaders bounds concurrent readers under PolicySharedRead.
const DefaultMaxReaders = 64

// gate is a reader/writer lock whose acquisition honours ctx. Readers take
// one slot, writers take all of them. semaphore.Weighted queues waiters in
// order, so a waiting writer holds back later readers.
type gate struct {
	sem    *semaphore.Weighted
	size   int64
	policy Policy
}

func newGate(policy Policy, maxReaders int) *gate {
	size := int64(1)
	if policy == PolicySharedRead {
		size = int64(maxReaders)
		if size <= 0 {
			size = DefaultMaxReaders
		}
	}
	return &gate{sem: semaphore.NewWeighted(size), size: size, policy: policy}
}

func (g *gate) weight(read bool) int64 {
	if read && g.policy == PolicySharedRead {
		return 1
	}
	return g.size
}

// acquire blocks until the caller may proceed or ctx ends. The returned
// func must be called exactly once.
func (g *gate) acquire(ctx context.Context, read bool) (func(), error) {
	w := g.weight(read)
	if err := g.sem.Acquire(ctx, w); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(w) }, nil
}
