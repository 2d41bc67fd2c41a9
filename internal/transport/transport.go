// Package transport performs one request/response round trip per attempt
// and translates backend replies into wire values or classified errors.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/roach88/tether/internal/wire"
)

// Kind selects the backend endpoint family.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
	KindAction   Kind = "action"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindQuery, KindMutation, KindAction:
		return k, true
	}
	return "", false
}

// Path returns the endpoint path for k, e.g. "/api/mutation".
func (k Kind) Path() string {
	return "/api/" + string(k)
}

// URL joins a deployment base URL and the endpoint path for k.
func (k Kind) URL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + k.Path()
}

// Request is one attempt's payload.
type Request struct {
	URL     string
	Body    string
	Timeout time.Duration
}

// Response is the raw reply. Non-2xx statuses are not errors at this level.
type Response struct {
	StatusCode int
	Body       string
}

// Transport sends a request and returns the raw response. Network-level
// failures come back as classified clienterr errors.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// EncodeCall renders the request body for calling function with args:
// {"args":[<args>],"format":"json","path":"<function>"}. Nil args are sent
// as an empty object.
func EncodeCall(function string, args any) (string, error) {
	argVal, err := wire.ToValue(args)
	if err != nil {
		return "", err
	}
	if args == nil {
		argVal = wire.Object{}
	}
	return wire.Encode(wire.Object{
		"path":   wire.String(function),
		"format": wire.String("json"),
		"args":   wire.Array{argVal},
	})
}
