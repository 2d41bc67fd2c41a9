package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/tether/internal/clienterr"
	"github.com/roach88/tether/internal/transport"
	"github.com/roach88/tether/internal/wire"
)

// Step is one scripted reply.
type Step struct {
	Response transport.Response
	Err      error

	// Hang blocks until the request context is done, then returns the
	// classified cancellation.
	Hang bool

	// Gate, if set, is waited on before replying.
	Gate <-chan struct{}
}

// Reply scripts a raw status and body.
func Reply(status int, body string) Step {
	return Step{Response: transport.Response{StatusCode: status, Body: body}}
}

// Success scripts a 200 success envelope carrying v.
func Success(v any) Step {
	return Reply(200, wire.MustEncode(wire.Object{
		"status": wire.String("success"),
		"value":  mustValue(v),
	}))
}

// RemoteError scripts a 200 error envelope.
func RemoteError(message string, data any) Step {
	env := wire.Object{
		"status":       wire.String("error"),
		"errorMessage": wire.String(message),
	}
	if data != nil {
		env["errorData"] = mustValue(data)
	}
	return Reply(200, wire.MustEncode(env))
}

// Fail scripts a transport-level error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Hang scripts a request that never answers.
func Hang() Step {
	return Step{Hang: true}
}

func mustValue(v any) wire.Value {
	val, err := wire.ToValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// ScriptedTransport replays scripted steps in order and records every
// request it receives.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedTransport struct {
	mu       sync.Mutex
	steps    []Step
	requests []transport.Request
}

var _ transport.Transport = (*ScriptedTransport)(nil)

// NewScriptedTransport creates a transport that replies with steps in order.
func NewScriptedTransport(steps ...Step) *ScriptedTransport {
	return &ScriptedTransport{steps: steps}
}

// Push appends more steps.
func (s *ScriptedTransport) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Send implements transport.Transport. Running out of steps is a
// CONNECTION_FAILURE so a mis-scripted test fails loudly.
func (s *ScriptedTransport) Send(ctx context.Context, req transport.Request) (transport.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		n := len(s.requests)
		s.mu.Unlock()
		return transport.Response{}, clienterr.New(clienterr.KindConnectionFailure, "script exhausted at request %d", n)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-ctx.Done():
			return transport.Response{}, clienterr.Cancelled(ctx.Err())
		}
	}
	if step.Hang {
		<-ctx.Done()
		return transport.Response{}, clienterr.Cancelled(ctx.Err())
	}
	if step.Err != nil {
		return transport.Response{}, step.Err
	}
	return step.Response, nil
}

// Requests returns a copy of every request received.
func (s *ScriptedTransport) Requests() []transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Request(nil), s.requests...)
}

// Calls returns the number of requests received.
func (s *ScriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Remaining returns the number of unused steps.
func (s *ScriptedTransport) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Bodies returns the request bodies in order.
func (s *ScriptedTransport) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Body
	}
	return out
}

// String summarizes the script state for failure messages.
func (s *ScriptedTransport) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("ScriptedTransport{calls: %d, remaining: %d}", len(s.requests), len(s.steps))
}
