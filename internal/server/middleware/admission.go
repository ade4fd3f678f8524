package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/relaybot/relaybot/internal/core/admission"
	"github.com/relaybot/relaybot/internal/metrics"
)

// RejectFunc writes the response for a request the controller turned away.
type RejectFunc func(w http.ResponseWriter, r *http.Request, decision admission.Decision)

// AdmissionOptions tunes how rejections are reported.
type AdmissionOptions struct {
	// OverloadStatus is sent when no processing slot is free. Only 429 and
	// 503 are accepted; anything else falls back to 503.
	OverloadStatus int

	// Reject replaces the built-in JSON writer. The server injects the
	// centralized error responder here.
	Reject RejectFunc
}

// Admission gates requests through the controller. Admitted requests get a
// body capped at the controller's MaxBodyBytes and hold a processing slot
// until the downstream handler returns.
func Admission(controller *admission.Controller, opts AdmissionOptions) func(http.Handler) http.Handler {
	maxBytes := controller.Limits().MaxBodyBytes
	reject := opts.Reject
	if reject == nil {
		reject = defaultReject(maxBytes, opts.OverloadStatus)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := controller.Admit(r.Context(), r.ContentLength, RequestOrigin(r))
			metrics.RecordAdmission(decision.Reason.String())

			if !decision.Admitted {
				publishAdmissionState(controller)
				reject(w, r, decision)
				return
			}
			defer func() {
				decision.Release()
				publishAdmissionState(controller)
			}()
			publishAdmissionState(controller)

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RequestOrigin is the key rate-limit counters are bucketed by: the client
// address with any port removed. Only TrustedRealIP may rewrite RemoteAddr
// before this runs.
func RequestOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OverloadStatus normalizes the configured overload status.
func OverloadStatus(status int) int {
	if status == http.StatusTooManyRequests {
		return status
	}
	return http.StatusServiceUnavailable
}

// RetryAfterSeconds rounds a wait up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// AdmissionEnvelope builds the error envelope and status for a rejection.
func AdmissionEnvelope(r *http.Request, decision admission.Decision, maxBytes int64, overloadStatus int) (*errors.ErrorEnvelope, int) {
	var (
		envelope *errors.ErrorEnvelope
		status   int
	)

	switch decision.Reason {
	case admission.TooLarge:
		envelope = errors.NewErrorEnvelope("PAYLOAD_TOO_LARGE", "request body too large").
			WithDetails(map[string]interface{}{
				"size":  r.ContentLength,
				"limit": maxBytes,
			})
		status = http.StatusRequestEntityTooLarge
	case admission.RateLimited:
		envelope = errors.NewErrorEnvelope("RATE_LIMITED", "too many requests from this origin").
			WithDetails(map[string]interface{}{
				"retry_after_seconds": RetryAfterSeconds(decision.RetryAfter),
			})
		status = http.StatusTooManyRequests
	default:
		envelope = errors.NewErrorEnvelope("OVERLOADED", "server is busy, try again shortly").
			WithDetails(map[string]interface{}{
				"retry_after_seconds": RetryAfterSeconds(decision.RetryAfter),
			})
		status = OverloadStatus(overloadStatus)
	}

	return envelope.WithCorrelationID(GetRequestID(r.Context())), status
}

func defaultReject(maxBytes int64, overloadStatus int) RejectFunc {
	return func(w http.ResponseWriter, r *http.Request, decision admission.Decision) {
		envelope, status := AdmissionEnvelope(r, decision, maxBytes, overloadStatus)
		if decision.Reason != admission.TooLarge {
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(decision.RetryAfter)))
		}
		writeErrorResponse(w, envelope, status)
	}
}

func publishAdmissionState(controller *admission.Controller) {
	stats := controller.Stats()
	metrics.SetAdmissionState(stats.SlotsInUse, stats.TrackedOrigins)
}
