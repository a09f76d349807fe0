// Package nativetest provides an instrumented test double for native.Library.
//
// The double hands out real tokens, keeps per-object state, and counts every
// acquire and release so tests can assert that the release protocol holds
// after each step:
//
//	lib := nativetest.New()
//	lib.Respond("MATCH (n) RETURN n", nativetest.Response{JSON: `{"nodes":[],"links":[]}`})
//	...
//	c := lib.Counters()
//	assert.Equal(t, c.ResultsAcquired, c.ResultsReleased)
package nativetest

import (
	"context"
	"strings"
	"sync"

	"github.com/orneryd/gqlite/pkg/native"
)

// EmptyGraph is the payload returned when no response is scripted.
const EmptyGraph = `{"nodes":[],"links":[]}`

// Response scripts the outcome of one query.
type Response struct {
	// JSON is the buffer returned by ResultToJSON.
	JSON string

	// Err makes Execute fail and is reported through LastError.
	Err string

	// NullJSON makes ResultToJSON return the null buffer.
	NullJSON bool
}

// Counters counts calls across the boundary.
type Counters struct {
	Opens           int
	Closes          int
	Executes        int
	ResultsAcquired int
	ResultsReleased int
	BuffersAcquired int
	BuffersReleased int

	// DoubleFrees counts releases of unknown or already released objects.
	DoubleFrees int

	// Misuse counts calls made with a closed or unknown handle or result.
	Misuse int

	// MaxInFlight is the highest number of concurrent Execute calls seen.
	MaxInFlight int
}

// LiveResults is the number of results not yet released.
func (c Counters) LiveResults() int { return c.ResultsAcquired - c.ResultsReleased }

// LiveBuffers is the number of buffers not yet released.
func (c Counters) LiveBuffers() int { return c.BuffersAcquired - c.BuffersReleased }

// Library is a scriptable native.Library.
type Library struct {
	// Concurrent is returned by ConcurrentReads.
	Concurrent bool

	// OnExecute, if set, runs inside Execute before the result is created.
	// Tests use it to block or to observe overlap.
	OnExecute func(query string)

	// OnOpen, if set, runs at the start of Open.
	OnOpen func(path string)

	mu        sync.Mutex
	next      uintptr
	badPaths  map[string]string
	responses map[string]Response
	fallback  Response
	handles   map[native.Handle]string
	results   map[native.Result]Response
	buffers   map[native.Buffer][]byte
	lastErr   map[native.Handle]string
	inFlight  int
	counters  Counters
}

// New returns a double whose queries succeed with EmptyGraph.
func New() *Library {
	return &Library{
		badPaths:  make(map[string]string),
		responses: make(map[string]Response),
		fallback:  Response{JSON: EmptyGraph},
		handles:   make(map[native.Handle]string),
		results:   make(map[native.Result]Response),
		buffers:   make(map[native.Buffer][]byte),
		lastErr:   make(map[native.Handle]string),
	}
}

// Respond scripts the response for query.
func (l *Library) Respond(query string, r Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses[query] = r
}

// RespondDefault scripts the response for unscripted queries.
func (l *Library) RespondDefault(r Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = r
}

// FailOpen makes Open(path) fail with msg.
func (l *Library) FailOpen(path, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.badPaths[path] = msg
}

// Counters returns a snapshot of the counters.
func (l *Library) Counters() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

// OpenHandles is the number of handles not yet closed.
func (l *Library) OpenHandles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *Library) token() uintptr {
	l.next++
	return l.next
}

func (l *Library) Open(path string) native.Handle {
	l.mu.Lock()
	hook := l.OnOpen
	l.mu.Unlock()
	if hook != nil {
		hook(path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if msg, bad := l.badPaths[path]; bad || path == "" {
		if msg == "" {
			msg = "cannot open " + path
		}
		l.lastErr[0] = msg
		return 0
	}
	h := native.Handle(l.token())
	l.handles[h] = path
	l.counters.Opens++
	return h
}

func (l *Library) Close(h native.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[h]; !ok {
		l.counters.Misuse++
		return
	}
	delete(l.handles, h)
	delete(l.lastErr, h)
	l.counters.Closes++
}

func (l *Library) Execute(h native.Handle, query string) native.Result {
	l.mu.Lock()
	if _, ok := l.handles[h]; !ok {
		l.counters.Misuse++
		l.mu.Unlock()
		return 0
	}
	l.counters.Executes++
	l.inFlight++
	if l.inFlight > l.counters.MaxInFlight {
		l.counters.MaxInFlight = l.inFlight
	}
	hook := l.OnExecute
	l.mu.Unlock()

	if hook != nil {
		hook(query)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--

	resp, ok := l.responses[query]
	if !ok {
		resp = l.fallback
	}
	if resp.Err != "" {
		l.lastErr[h] = resp.Err
		return 0
	}
	delete(l.lastErr, h)
	r := native.Result(l.token())
	l.results[r] = resp
	l.counters.ResultsAcquired++
	return r
}

// ExecuteContext returns the null result without calling the engine if ctx
// has already ended.
func (l *Library) ExecuteContext(ctx context.Context, h native.Handle, query string) native.Result {
	if err := ctx.Err(); err != nil {
		l.mu.Lock()
		l.lastErr[h] = err.Error()
		l.mu.Unlock()
		return 0
	}
	return l.Execute(h, query)
}

func (l *Library) ReleaseResult(r native.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.results[r]; !ok {
		l.counters.DoubleFrees++
		return
	}
	delete(l.results, r)
	l.counters.ResultsReleased++
}

func (l *Library) ResultToJSON(r native.Result) native.Buffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp, ok := l.results[r]
	if !ok {
		l.counters.Misuse++
		return 0
	}
	if resp.NullJSON {
		return 0
	}
	b := native.Buffer(l.token())
	l.buffers[b] = []byte(resp.JSON)
	l.counters.BuffersAcquired++
	return b
}

func (l *Library) ReleaseJSON(b native.Buffer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buffers[b]; !ok {
		l.counters.DoubleFrees++
		return
	}
	delete(l.buffers, b)
	l.counters.BuffersReleased++
}

func (l *Library) AppendBytes(dst []byte, b native.Buffer) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.buffers[b]
	if !ok {
		l.counters.Misuse++
		return dst
	}
	return append(dst, data...)
}

func (l *Library) LastError(h native.Handle) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr[h]
}

func (l *Library) ConcurrentReads() bool { return l.Concurrent }

// Path returns the path h was opened with.
func (l *Library) Path(h native.Handle) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.handles[h]
	return p, ok
}

// bare hides every optional capability of the wrapped library.
type bare struct{ native.Library }

// Bare returns lib restricted to the six mandatory calls, the way the
// original C engine behaves: no diagnostics, no cancellation, no
// concurrent reads.
func Bare(lib native.Library) native.Library { return bare{lib} }

// Graph builds a GraphJSON payload from node ids and "src->dst" link specs.
func Graph(nodeIDs []string, links ...string) string {
	var sb strings.Builder
	sb.WriteString(`{"nodes":[`)
	for i, id := range nodeIDs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(`{"id":"` + id + `","labels":["Node"],"properties":{}}`)
	}
	sb.WriteString(`],"links":[`)
	for i, l := range links {
		src, dst, _ := strings.Cut(l, "->")
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(`{"source":"` + src + `","target":"` + dst + `","type":"LINK","properties":{}}`)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

var (
	_ native.Library          = (*Library)(nil)
	_ native.Diagnostics      = (*Library)(nil)
	_ native.ContextExecutor  = (*Library)(nil)
	_ native.ConcurrentReader = (*Library)(nil)
)
