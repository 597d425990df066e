package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/foremanhq/foreman/pkg/cerr"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Delivery-ID"
)

// repeatedFailureThreshold is the number of signature failures from one
// source within repeatedFailureWindow that escalates the security event
// severity to critical.
const (
	repeatedFailureThreshold = 3
	repeatedFailureWindow    = 5 * time.Minute
)

// Verifier authenticates inbound webhook deliveries. Checks run in a fixed
// order and short-circuit on the first failure: body size, rate limits,
// HMAC signature. Schema validation and delivery dedup are applied by the
// handler on the returned raw body.
type Verifier struct {
	secret  []byte
	maxBody int64
	limiter *RateLimiter
	dedup   *DedupCache
	metrics *Metrics

	mu          sync.Mutex
	sigFailures map[string][]time.Time
}

func NewVerifier(secret string, maxBody int64, limiter *RateLimiter, dedup *DedupCache, metrics *Metrics) *Verifier {
	return &Verifier{
		secret:      []byte(secret),
		maxBody:     maxBody,
		limiter:     limiter,
		dedup:       dedup,
		metrics:     metrics,
		sigFailures: make(map[string][]time.Time),
	}
}

// Verify authenticates the request and returns the raw payload. Errors
// carry cerr codes: InvalidArgument (size), ResourceExhausted (rate),
// Unauthenticated (signature).
func (v *Verifier) Verify(r *http.Request) ([]byte, error) {
	ctx := r.Context()
	source := sourceOf(r)

	// Size first: reject oversized payloads before reading them fully.
	if r.ContentLength > v.maxBody {
		v.metrics.RejectedSize.Add(1)
		v.logSecurityEvent(ctx, "low", "payload too large", source,
			slog.Int64("content_length", r.ContentLength))
		return nil, cerr.NewError(cerr.InvalidArgument, "payload too large", nil)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, v.maxBody+1))
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to read body", err)
	}
	if int64(len(body)) > v.maxBody {
		v.metrics.RejectedSize.Add(1)
		v.logSecurityEvent(ctx, "low", "payload too large", source,
			slog.Int("body_bytes", len(body)))
		return nil, cerr.NewError(cerr.InvalidArgument, "payload too large", nil)
	}

	if !v.limiter.Allow(source, time.Now()) {
		v.metrics.RejectedRate.Add(1)
		v.logSecurityEvent(ctx, "low", "rate limited", source)
		return nil, cerr.NewError(cerr.ResourceExhausted, "rate limited", nil)
	}

	if len(v.secret) > 0 {
		if err := verifyHMAC(v.secret, body, r.Header.Get(SignatureHeader)); err != nil {
			v.metrics.RejectedSignature.Add(1)
			severity := "high"
			if v.recordSignatureFailure(source) {
				severity = "critical"
			}
			v.logSecurityEvent(ctx, severity, "signature verification failed", source,
				slog.String("detail", err.Error()))
			return nil, cerr.NewError(cerr.Unauthenticated, "invalid signature", err)
		}
	}

	return body, nil
}

// SeenDelivery atomically records the delivery id and reports a replay.
// An empty id is never deduplicated.
func (v *Verifier) SeenDelivery(deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	if v.dedup.Seen(deliveryID, time.Now()) {
		v.metrics.Duplicates.Add(1)
		return true
	}
	return false
}

// RejectSchema records a schema-validation rejection.
func (v *Verifier) RejectSchema(ctx context.Context, r *http.Request, err error) {
	v.metrics.RejectedSchema.Add(1)
	v.logSecurityEvent(ctx, "low", "schema validation failed", sourceOf(r),
		slog.String("detail", err.Error()))
}

// recordSignatureFailure tracks failures per source and reports whether
// the repeated-failure threshold was hit.
func (v *Verifier) recordSignatureFailure(source string) bool {
	now := time.Now()
	cutoff := now.Add(-repeatedFailureWindow)

	v.mu.Lock()
	defer v.mu.Unlock()
	failures := prune(v.sigFailures[source], cutoff)
	failures = append(failures, now)
	v.sigFailures[source] = failures
	return len(failures) >= repeatedFailureThreshold
}

func (v *Verifier) logSecurityEvent(ctx context.Context, severity, reason, source string, attrs ...slog.Attr) {
	args := append([]slog.Attr{
		slog.String("severity", severity),
		slog.String("reason", reason),
		slog.String("source", source),
	}, attrs...)
	slog.LogAttrs(ctx, slog.LevelWarn, "webhook rejected", args...)
}

// verifyHMAC recomputes the HMAC-SHA256 of body and compares it in
// constant time against the provided hex signature. A "sha256=" prefix
// is accepted.
func verifyHMAC(secret, body []byte, signature string) error {
	if signature == "" {
		return errors.New("signature is empty")
	}
	hexSignature := strings.TrimPrefix(signature, "sha256=")
	signatureBytes, err := hex.DecodeString(hexSignature)
	if err != nil {
		return errors.New("invalid hex signature")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, signatureBytes) != 1 {
		return errors.New("signature mismatch")
	}
	return nil
}

// sourceOf identifies the sending source, preferring the first
// X-Forwarded-For hop over the socket address.
func sourceOf(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
