package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/roach88/tether/internal/clienterr"
)

var tracer = otel.Tracer("tether.transport")

const (
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout = 30 * time.Second

	// RequestIDHeader carries a per-attempt id for server-side correlation.
	RequestIDHeader = "X-Request-Id"

	// ClientHeader identifies this client to the backend.
	ClientHeader = "Tether-Client"

	// DefaultMaxResponseBytes caps the size of a response body.
	DefaultMaxResponseBytes = 16 << 20
)

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) {
		h.client = c
	}
}

// WithRateLimit caps outgoing requests at r per second with the given burst.
// Waiting for a token honors cancellation.
func WithRateLimit(r float64, burst int) Option {
	return func(h *HTTP) {
		if r > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

// WithMaxResponseBytes caps response bodies at n bytes. A larger body
// fails with MALFORMED_VALUE instead of being truncated.
func WithMaxResponseBytes(n int64) Option {
	return func(h *HTTP) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(h *HTTP) {
		h.headers.Set(key, value)
	}
}

// WithRequestIDs overrides the request id generator.
func WithRequestIDs(gen func() string) Option {
	return func(h *HTTP) {
		h.requestID = gen
	}
}

// HTTP is the production Transport: a JSON POST per attempt.
type HTTP struct {
	client    *http.Client
	limiter   *rate.Limiter
	headers   http.Header
	requestID func() string
	maxBody   int64
}

var _ Transport = (*HTTP)(nil)

// NewHTTP creates an HTTP transport.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{
		client:    &http.Client{},
		headers:   make(http.Header),
		requestID: newRequestID,
		maxBody:   DefaultMaxResponseBytes,
	}
	h.headers.Set(ClientHeader, "tether-go")
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Send implements Transport.
func (h *HTTP) Send(ctx context.Context, req Request) (Response, error) {
	reqID := h.requestID()
	ctx, span := tracer.Start(ctx, "transport.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.url", req.URL),
			attribute.String("tether.request_id", reqID),
		),
	)
	defer span.End()

	resp, err := h.send(ctx, req, reqID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

func (h *HTTP) send(ctx context.Context, req Request, reqID string) (Response, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Response{}, clienterr.Cancelled(ctx.Err())
			}
			return Response{}, clienterr.Wrap(clienterr.KindTimeout, err, "rate limit wait")
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return Response{}, clienterr.Wrap(clienterr.KindArgument, err, "build request")
	}
	for k, vs := range h.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RequestIDHeader, reqID)
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, classify(ctx, err, timeout)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, h.maxBody+1))
	if err != nil {
		return Response{}, classify(ctx, err, timeout)
	}
	if int64(len(body)) > h.maxBody {
		return Response{}, clienterr.New(clienterr.KindMalformedValue,
			"response exceeds %d bytes", h.maxBody)
	}
	return Response{StatusCode: httpResp.StatusCode, Body: string(body)}, nil
}

// classify maps a transport failure onto the client error taxonomy. parent
// is the caller's context: its cancellation is CANCELLED, while expiry of the
// per-request timeout is TIMEOUT.
func classify(parent context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return clienterr.Cancelled(parent.Err())
	}

	var (
		dnsErr      *net.DNSError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		certErr     x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		netErr      net.Error
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return clienterr.Wrap(clienterr.KindTimeout, err, "no response within %s", timeout)
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return clienterr.Wrap(clienterr.KindTimeout, err, "dns lookup timed out")
		}
		return clienterr.Wrap(clienterr.KindDNSResolution, err, "cannot resolve %s", dnsErr.Name)
	case errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &certErr),
		errors.As(err, &verifyErr), errors.As(err, &recordErr):
		return clienterr.Wrap(clienterr.KindSSLCertificate, err, "tls verification failed")
	case errors.As(err, &netErr) && netErr.Timeout():
		return clienterr.Wrap(clienterr.KindTimeout, err, "network timeout")
	case errors.Is(err, syscall.ECONNREFUSED):
		return clienterr.Wrap(clienterr.KindConnectionFailure, err, "connection refused")
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return clienterr.Wrap(clienterr.KindConnectionFailure, err, "connection reset")
	default:
		return clienterr.Wrap(clienterr.KindConnectionFailure, err, "request failed")
	}
}
