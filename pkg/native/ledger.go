package native

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ledger errors.
var (
	ErrDoubleRelease = errors.New("native object released twice")
	ErrUnknownObject = errors.New("native object was never acquired")
	ErrLeak          = errors.New("native object never released")
)

// ObjectKind names the class of a tracked native object.
type ObjectKind string

const (
	KindHandle ObjectKind = "handle"
	KindResult ObjectKind = "result"
	KindBuffer ObjectKind = "buffer"
)

// Violation describes a broken release protocol call.
type Violation struct {
	Kind  ObjectKind
	Token uintptr
	Err   error
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s %#x: %v", v.Kind, v.Token, v.Err)
}

func (v Violation) Unwrap() error { return v.Err }

// Counts is a snapshot of the ledger's acquire and release counters.
type Counts struct {
	HandlesOpened   int64 `json:"handles_opened"`
	HandlesClosed   int64 `json:"handles_closed"`
	ResultsAcquired int64 `json:"results_acquired"`
	ResultsReleased int64 `json:"results_released"`
	BuffersAcquired int64 `json:"buffers_acquired"`
	BuffersReleased int64 `json:"buffers_released"`
}

// Acquired is the number of results and buffers handed out.
func (c Counts) Acquired() int64 { return c.ResultsAcquired + c.BuffersAcquired }

// Released is the number of results and buffers freed.
func (c Counts) Released() int64 { return c.ResultsReleased + c.BuffersReleased }

// Balanced reports whether every acquired result and buffer was released.
func (c Counts) Balanced() bool {
	return c.ResultsAcquired == c.ResultsReleased && c.BuffersAcquired == c.BuffersReleased
}

// Ledger wraps a Library and accounts for every object crossing the
// boundary. Releases of unknown or already released objects are recorded
// and never forwarded, so the wrapped engine never sees a double free.
//
// Ledger is safe for concurrent use.
type Ledger struct {
	lib Library

	// OnViolation, if set, is called for every recorded violation.
	OnViolation func(Violation)

	mu         sync.Mutex
	counts     Counts
	handles    map[Handle]struct{}
	results    map[Result]struct{}
	buffers    map[Buffer]struct{}
	violations []Violation
}

// NewLedger wraps lib.
func NewLedger(lib Library) *Ledger {
	return &Ledger{
		lib:     lib,
		handles: make(map[Handle]struct{}),
		results: make(map[Result]struct{}),
		buffers: make(map[Buffer]struct{}),
	}
}

// Unwrap returns the wrapped library.
func (l *Ledger) Unwrap() Library { return l.lib }

func (l *Ledger) violate(kind ObjectKind, token uintptr, err error) {
	v := Violation{Kind: kind, Token: token, Err: err}
	l.violations = append(l.violations, v)
	if l.OnViolation != nil {
		l.OnViolation(v)
	}
}

func (l *Ledger) Open(path string) Handle {
	h := l.lib.Open(path)
	if h == 0 {
		return 0
	}
	l.mu.Lock()
	l.counts.HandlesOpened++
	l.handles[h] = struct{}{}
	l.mu.Unlock()
	return h
}

func (l *Ledger) Close(h Handle) {
	l.mu.Lock()
	if _, ok := l.handles[h]; !ok {
		l.violate(KindHandle, uintptr(h), ErrUnknownObject)
		l.mu.Unlock()
		return
	}
	delete(l.handles, h)
	l.counts.HandlesClosed++
	l.mu.Unlock()
	l.lib.Close(h)
}

func (l *Ledger) live(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[h]; ok {
		return true
	}
	l.violate(KindHandle, uintptr(h), ErrUnknownObject)
	return false
}

func (l *Ledger) trackResult(r Result) Result {
	if r == 0 {
		return 0
	}
	l.mu.Lock()
	l.counts.ResultsAcquired++
	l.results[r] = struct{}{}
	l.mu.Unlock()
	return r
}

func (l *Ledger) Execute(h Handle, query string) Result {
	if !l.live(h) {
		return 0
	}
	return l.trackResult(l.lib.Execute(h, query))
}

// ExecuteContext uses the wrapped library's ExecuteContext when available.
func (l *Ledger) ExecuteContext(ctx context.Context, h Handle, query string) Result {
	if !l.live(h) {
		return 0
	}
	if ce, ok := l.lib.(ContextExecutor); ok {
		return l.trackResult(ce.ExecuteContext(ctx, h, query))
	}
	return l.trackResult(l.lib.Execute(h, query))
}

func (l *Ledger) ReleaseResult(r Result) {
	l.mu.Lock()
	if _, ok := l.results[r]; !ok {
		l.violate(KindResult, uintptr(r), ErrDoubleRelease)
		l.mu.Unlock()
		return
	}
	delete(l.results, r)
	l.counts.ResultsReleased++
	l.mu.Unlock()
	l.lib.ReleaseResult(r)
}

func (l *Ledger) ResultToJSON(r Result) Buffer {
	l.mu.Lock()
	_, ok := l.results[r]
	if !ok {
		l.violate(KindResult, uintptr(r), ErrUnknownObject)
	}
	l.mu.Unlock()
	if !ok {
		return 0
	}

	b := l.lib.ResultToJSON(r)
	if b == 0 {
		return 0
	}
	l.mu.Lock()
	l.counts.BuffersAcquired++
	l.buffers[b] = struct{}{}
	l.mu.Unlock()
	return b
}

func (l *Ledger) ReleaseJSON(b Buffer) {
	l.mu.Lock()
	if _, ok := l.buffers[b]; !ok {
		l.violate(KindBuffer, uintptr(b), ErrDoubleRelease)
		l.mu.Unlock()
		return
	}
	delete(l.buffers, b)
	l.counts.BuffersReleased++
	l.mu.Unlock()
	l.lib.ReleaseJSON(b)
}

func (l *Ledger) AppendBytes(dst []byte, b Buffer) []byte {
	l.mu.Lock()
	_, ok := l.buffers[b]
	if !ok {
		l.violate(KindBuffer, uintptr(b), ErrUnknownObject)
	}
	l.mu.Unlock()
	if !ok {
		return dst
	}
	return l.lib.AppendBytes(dst, b)
}

// LastError forwards to the wrapped library's Diagnostics.
func (l *Ledger) LastError(h Handle) string { return LastError(l.lib, h) }

// ConcurrentReads forwards to the wrapped library.
func (l *Ledger) ConcurrentReads() bool { return SupportsConcurrentReads(l.lib) }

// Counts returns the current counters.
func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts
}

// Violations returns every violation recorded so far.
func (l *Ledger) Violations() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Violation(nil), l.violations...)
}

// Outstanding returns the results and buffers that are still live.
func (l *Ledger) Outstanding() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Violation
	for r := range l.results {
		out = append(out, Violation{Kind: KindResult, Token: uintptr(r), Err: ErrLeak})
	}
	for b := range l.buffers {
		out = append(out, Violation{Kind: KindBuffer, Token: uintptr(b), Err: ErrLeak})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind > out[j].Kind
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// Check returns nil if nothing is outstanding and no violation was
// recorded, otherwise an error listing every problem.
func (l *Ledger) Check() error {
	problems := append(l.Violations(), l.Outstanding()...)
	if len(problems) == 0 {
		return nil
	}
	msgs := make([]string, len(problems))
	errs := make([]error, len(problems))
	for i, p := range problems {
		msgs[i] = p.Error()
		errs[i] = p
	}
	return fmt.Errorf("resource ledger: %s: %w", strings.Join(msgs, "; "), errors.Join(errs...))
}

var (
	_ Library          = (*Ledger)(nil)
	_ Diagnostics      = (*Ledger)(nil)
	_ ContextExecutor  = (*Ledger)(nil)
	_ ConcurrentReader = (*Ledger)(nil)
)
