// Package nexushttp binds Nexus services to HTTP. Handler serves a
// nexus.Handler and Client invokes its synchronous operations.
//
// An operation is started with POST {base}/{service}/{operation} and a JSON
// body. A synchronous result is returned with status 200. A handler error is
// returned with the status of its type and a nexus.Failure body, and a failed
// operation with status 424.
package nexushttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-rpc/sdk-go/nexus"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentloop/runtime/agent/telemetry"
)

const (
	// HeaderRequestID carries the caller's request ID.
	HeaderRequestID = "Nexus-Request-Id"
	// StatusOperationFailed is the status of an operation that completed as
	// failed or canceled.
	StatusOperationFailed = http.StatusFailedDependency

	stateMetadata = "state"
)

var errorStatus = map[nexus.HandlerErrorType]int{
	nexus.HandlerErrorTypeBadRequest:        http.StatusBadRequest,
	nexus.HandlerErrorTypeUnauthenticated:   http.StatusUnauthorized,
	nexus.HandlerErrorTypeUnauthorized:      http.StatusForbidden,
	nexus.HandlerErrorTypeNotFound:          http.StatusNotFound,
	nexus.HandlerErrorTypeRequestTimeout:    http.StatusRequestTimeout,
	nexus.HandlerErrorTypeConflict:          http.StatusConflict,
	nexus.HandlerErrorTypeResourceExhausted: http.StatusTooManyRequests,
	nexus.HandlerErrorTypeInternal:          http.StatusInternalServerError,
	nexus.HandlerErrorTypeNotImplemented:    http.StatusNotImplemented,
	nexus.HandlerErrorTypeUnavailable:       http.StatusServiceUnavailable,
	nexus.HandlerErrorTypeUpstreamTimeout:   nexus.StatusUpstreamTimeout,
}

type (
	// HandlerOption configures NewHandler.
	HandlerOption func(*server)

	server struct {
		h      nexus.Handler
		mux    goahttp.Muxer
		logger telemetry.Logger
	}

	// Client invokes the operations of one service.
	Client struct {
		base    *url.URL
		service string
		doer    goahttp.Doer
	}
)

// WithLogger sets the logger used to report internal handler errors.
func WithLogger(l telemetry.Logger) HandlerOption {
	return func(s *server) { s.logger = l }
}

// NewHandler returns an http.Handler serving h.
func NewHandler(h nexus.Handler, opts ...HandlerOption) http.Handler {
	s := &server{h: h, mux: goahttp.NewMuxer(), logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.mux.Handle(http.MethodPost, "/{service}/{operation}", s.startOperation)
	return s.mux
}

func (s *server) startOperation(w http.ResponseWriter, r *http.Request) {
	vars := s.mux.Vars(r)
	service, operation := vars["service"], vars["operation"]
	ctx := r.Context()
	if d, ok := requestTimeout(r.Header.Get(nexus.HeaderRequestTimeout)); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	header := nexus.Header{}
	for k := range r.Header {
		lk := strings.ToLower(k)
		if !strings.HasPrefix(lk, "content-") {
			header[lk] = r.Header.Get(k)
		}
	}
	ctx = nexus.WithHandlerContext(ctx, nexus.HandlerInfo{Service: service, Operation: operation, Header: header})

	var body json.RawMessage
	if err := goahttp.RequestDecoder(r).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(ctx, w, nexus.NewHandlerErrorf(nexus.HandlerErrorTypeBadRequest, "invalid request body: %v", err))
		return
	}
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	input := nexus.NewLazyValue(nexus.DefaultSerializer(), &nexus.Reader{
		ReadCloser: io.NopCloser(bytes.NewReader(body)),
		Header:     nexus.Header{"type": "application/json"},
	})
	res, err := s.h.StartOperation(ctx, service, operation, input, nexus.StartOperationOptions{
		Header:    header,
		RequestID: r.Header.Get(HeaderRequestID),
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	result, ok := res.(interface{ ValueAsAny() any })
	if !ok {
		s.writeError(ctx, w, nexus.NewHandlerErrorf(nexus.HandlerErrorTypeNotImplemented,
			"operation %s/%s completed asynchronously", service, operation))
		return
	}
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(http.StatusOK)
	if err := enc.Encode(result.ValueAsAny()); err != nil {
		s.logger.Error(ctx, "encode operation result", "service", service, "operation", operation, "err", err)
	}
}

func (s *server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	failure := nexus.Failure{Message: "internal error"}
	var (
		he *nexus.HandlerError
		oe *nexus.OperationError
	)
	switch {
	case errors.As(err, &he):
		if st, ok := errorStatus[he.Type]; ok {
			status = st
		}
		failure.Message = he.Message
		if failure.Message == "" && he.Cause != nil {
			failure.Message = he.Cause.Error()
		}
	case errors.As(err, &oe):
		status = StatusOperationFailed
		failure.Message = oe.Message
		failure.Metadata = map[string]string{stateMetadata: string(oe.State)}
	default:
		s.logger.Error(ctx, "operation handler failed", "err", err)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn(ctx, "operation request failed", "status", status, "message", failure.Message)
	}
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(failure); err != nil {
		s.logger.Error(ctx, "encode failure", "err", err)
	}
}

// NewClient returns a client of service at baseURL. A nil doer uses
// http.DefaultClient.
func NewClient(baseURL, service string, doer goahttp.Doer) (*Client, error) {
	if service == "" {
		return nil, errors.New("nexus client: service is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("nexus client: invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("nexus client: base URL %q must be http or https", baseURL)
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{base: u, service: service, doer: doer}, nil
}

// ExecuteOperation invokes the synchronous operation ref with in.
func ExecuteOperation[I, O any](ctx context.Context, c *Client, ref nexus.OperationReference[I, O], in I) (O, error) {
	var out O
	err := c.Do(ctx, ref.Name(), in, &out)
	return out, err
}

// Do invokes operation with in and decodes its result into out. Errors
// reported by the handler are returned as *nexus.HandlerError or
// *nexus.OperationError; transport errors are returned unchanged.
func (c *Client) Do(ctx context.Context, operation string, in, out any) error {
	u := c.base.JoinPath(c.service, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	if err := goahttp.RequestEncoder(req).Encode(in); err != nil {
		return fmt.Errorf("encode %s input: %w", operation, err)
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if dl, ok := ctx.Deadline(); ok {
		req.Header.Set(nexus.HeaderRequestTimeout, formatTimeout(time.Until(dl)))
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusOK {
		if err := goahttp.ResponseDecoder(resp).Decode(out); err != nil {
			return &nexus.HandlerError{
				Type:    nexus.HandlerErrorTypeInternal,
				Message: fmt.Sprintf("decode %s result: %v", operation, err),
				Cause:   err,
			}
		}
		return nil
	}
	var failure nexus.Failure
	if err := goahttp.ResponseDecoder(resp).Decode(&failure); err != nil || failure.Message == "" {
		failure.Message = resp.Status
	}
	if resp.StatusCode == StatusOperationFailed {
		state := nexus.OperationStateFailed
		if s := failure.Metadata[stateMetadata]; s != "" {
			state = nexus.OperationState(s)
		}
		return &nexus.OperationError{State: state, Message: failure.Message}
	}
	return &nexus.HandlerError{Type: errorType(resp.StatusCode), Message: failure.Message}
}

func errorType(status int) nexus.HandlerErrorType {
	for t, st := range errorStatus {
		if st == status {
			return t
		}
	}
	if status >= http.StatusInternalServerError {
		return nexus.HandlerErrorTypeInternal
	}
	return nexus.HandlerErrorTypeBadRequest
}

// Timeouts are formatted in milliseconds, e.g. "1500ms".
func formatTimeout(d time.Duration) string {
	return strconv.FormatInt(max(d.Milliseconds(), 1), 10) + "ms"
}

func requestTimeout(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
