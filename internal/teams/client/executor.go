package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrMissingHTTPClient = errors.New("connector client missing http client")
	ErrRetryBodyMissing  = errors.New("request body cannot be retried without GetBody")
)

// RetryableError marks a response the classifier considers worth retrying.
type RetryableError struct {
	Status     int
	RetryAfter time.Duration
	Cause      error
}

func (e RetryableError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "connector request retryable error"
}

func (e RetryableError) Unwrap() error {
	return e.Cause
}

// RequestMeta carries request identifiers for executor logging.
type RequestMeta struct {
	ConversationID string
	ServiceURL     string
}

type requestMetaKey struct{}

func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func requestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}

// RequestExecutor sends requests with optional retry and backoff. With
// MaxRetries at zero every request is attempted exactly once, leaving any
// retry policy to the caller.
type RequestExecutor struct {
	HTTP        *http.Client
	Log         zerolog.Logger
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
	mu     sync.Mutex
}

// Do runs req until classify accepts the response, classify returns a
// non-retryable error, or retries run out. The last response is returned
// alongside a classifier error so callers can still read its body.
func (e *RequestExecutor) Do(ctx context.Context, req *http.Request, classify func(*http.Response) error) (*http.Response, error) {
	if e == nil || e.HTTP == nil {
		return nil, ErrMissingHTTPClient
	}
	if req == nil {
		return nil, errors.New("missing request")
	}
	if classify == nil {
		return nil, errors.New("missing response classifier")
	}
	maxRetries := max(e.MaxRetries, 0)
	base := e.BaseBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceiling := e.MaxBackoff
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	log := e.logWithMeta(ctx)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attemptReq, err := requestForAttempt(ctx, req, attempt)
		if err != nil {
			return nil, err
		}
		canRetry := attempt <= maxRetries

		resp, err := e.HTTP.Do(attemptReq)
		if err != nil {
			if !canRetry || !isRetryableNetworkError(ctx, err) {
				log.Warn().Int("attempts", attempt).Err(err).Msg("connector send failed")
				return nil, err
			}
			if err := e.wait(ctx, log, attempt, 0, e.backoff(base, ceiling, attempt)); err != nil {
				return nil, err
			}
			continue
		}

		classifyErr := classify(resp)
		if classifyErr == nil {
			if attempt > 1 {
				log.Info().Int("attempts", attempt).Msg("connector send succeeded")
			}
			return resp, nil
		}
		var retryable RetryableError
		if !canRetry || !errors.As(classifyErr, &retryable) {
			log.Warn().Int("attempts", attempt).Err(classifyErr).Msg("connector send failed")
			return resp, classifyErr
		}
		delay := retryable.RetryAfter
		if delay <= 0 {
			delay = e.backoff(base, ceiling, attempt)
		}
		drainAndClose(resp)
		if err := e.wait(ctx, log, attempt, retryable.Status, delay); err != nil {
			return nil, err
		}
	}
}

func (e *RequestExecutor) wait(ctx context.Context, log zerolog.Logger, attempt, status int, delay time.Duration) error {
	evt := log.Warn().Int("attempt", attempt+1).Dur("backoff", delay)
	if status != 0 {
		evt = evt.Int("status", status)
	}
	evt.Msg("connector send retry")

	if e.sleep != nil {
		return e.sleep(ctx, delay)
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff doubles base for every retry already made, capped at ceiling.
func (e *RequestExecutor) backoff(base, ceiling time.Duration, retry int) time.Duration {
	d := base << (retry - 1)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jitter != nil {
		return e.jitter(d)
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func requestForAttempt(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 && req.GetBody == nil {
		return req, nil
	}
	if req.GetBody == nil && req.Body != nil {
		return nil, ErrRetryBodyMissing
	}
	cloned := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		cloned.Body = body
	}
	return cloned, nil
}

// ClassifyConnectorResponse accepts 2xx, marks 429 and 5xx as retryable and
// everything else as a permanent SendActivityError. It does not consume the
// body of failed responses.
func ClassifyConnectorResponse(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	cause := &SendActivityError{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return RetryableError{Status: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Cause: cause}
	}
	return cause
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(value); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func isRetryableNetworkError(ctx context.Context, err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err() == nil
	}
	inner := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		inner = urlErr.Err
	}
	var dnsErr *net.DNSError
	var recordErr tls.RecordHeaderError
	var certInvalid x509.CertificateInvalidError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(inner, &dnsErr) || errors.As(inner, &recordErr) || errors.As(inner, &certInvalid) ||
		errors.As(inner, &unknownAuth) || errors.As(inner, &hostErr) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (e *RequestExecutor) logWithMeta(ctx context.Context) zerolog.Logger {
	logger := e.Log
	if meta, ok := requestMetaFromContext(ctx); ok {
		lc := logger.With()
		if meta.ConversationID != "" {
			lc = lc.Str("conversation_id", meta.ConversationID)
		}
		if meta.ServiceURL != "" {
			lc = lc.Str("service_url", meta.ServiceURL)
		}
		logger = lc.Logger()
	}
	return logger
}
