package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StubRunner replays canned command results. Keys are the command name
// and arguments joined by spaces.
type StubRunner struct {
	mu       sync.Mutex
	stubs    map[string][]stubResponse
	defaults map[string]stubResponse
	prefixes []prefixStub
	calls    []Call
}

type prefixStub struct {
	prefix string
	resp   stubResponse
}

// Call records one invocation.
type Call struct {
	Dir  string
	Line string
}

type stubResponse struct {
	out string
	err error
}

func NewStubRunner() *StubRunner {
	return &StubRunner{
		stubs:    make(map[string][]stubResponse),
		defaults: make(map[string]stubResponse),
	}
}

// Stub queues one response for the command line.
func (s *StubRunner) Stub(line string, out string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs[line] = append(s.stubs[line], stubResponse{out: out, err: err})
}

// StubDefault answers every call of the command line once the queue is empty.
func (s *StubRunner) StubDefault(line string, out string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[line] = stubResponse{out: out, err: err}
}

// StubPrefix answers any otherwise unstubbed command line starting with
// prefix. Useful when arguments contain temp paths.
func (s *StubRunner) StubPrefix(prefix string, out string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes = append(s.prefixes, prefixStub{prefix: prefix, resp: stubResponse{out: out, err: err}})
}

func (s *StubRunner) matchPrefix(key string) (stubResponse, bool) {
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.resp, true
		}
	}
	return stubResponse{}, false
}

// Run writes the stubbed output to out and returns the stubbed error.
func (s *StubRunner) Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) error {
	key := strings.Join(append([]string{name}, args...), " ")
	s.mu.Lock()
	s.calls = append(s.calls, Call{Dir: dir, Line: key})
	queue := s.stubs[key]
	var resp stubResponse
	switch {
	case len(queue) > 0:
		resp = queue[0]
		s.stubs[key] = queue[1:]
	default:
		def, ok := s.defaults[key]
		if !ok {
			def, ok = s.matchPrefix(key)
		}
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("unexpected command: %s", key)
		}
		resp = def
	}
	s.mu.Unlock()

	if resp.out != "" && out != nil {
		_, _ = io.WriteString(out, resp.out)
	}
	return resp.err
}

// Calls returns every recorded invocation in order.
func (s *StubRunner) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor counts invocations of the command line.
func (s *StubRunner) CallsFor(name string, args ...string) int {
	key := strings.Join(append([]string{name}, args...), " ")
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, call := range s.calls {
		if call.Line == key {
			count++
		}
	}
	return count
}
