package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"polychat/internal/keys"
)

type FaultKind string

const (
	MissingCredential         FaultKind = "missing_credential"
	AuthFailure               FaultKind = "auth_failure"
	RateLimited               FaultKind = "rate_limited"
	ServiceUnavailable        FaultKind = "service_unavailable"
	UpstreamServerError       FaultKind = "upstream_server_error"
	Timeout                   FaultKind = "timeout"
	MalformedUpstreamResponse FaultKind = "malformed_upstream_response"
	ConnectionRefused         FaultKind = "connection_refused"
)

// faultMessages maps every fault kind to its stable user-facing
// string. Callers render these verbatim, so changing one is a
// user-visible behavior change.
var faultMessages = map[FaultKind]string{
	MissingCredential:         "No API key is configured for this provider. Add a personal key in settings to use it.",
	AuthFailure:               "The provider rejected the API key. Check the key or add a personal one in settings.",
	RateLimited:               "The shared key hit its rate limit. Add your personal API key to keep going without the wait.",
	ServiceUnavailable:        "The provider is temporarily unavailable. Try again in a moment.",
	UpstreamServerError:       "The provider ran into an internal error. Try again later.",
	Timeout:                   "The request timed out before the provider answered.",
	MalformedUpstreamResponse: "The provider returned a response that could not be understood.",
	ConnectionRefused:         "Could not reach the local model server. Is it running?",
}

type Fault struct {
	Kind     FaultKind
	Code     int
	Provider string
	Err      error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Provider, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Provider, f.Kind)
}

func (f *Fault) Unwrap() error { return f.Err }

// Message returns the stable user-facing string for this fault.
func (f *Fault) Message() string {
	if msg, ok := faultMessages[f.Kind]; ok {
		return msg
	}
	return faultMessages[UpstreamServerError]
}

func NewFault(providerName string, kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Code: faultCode(kind, 0), Provider: providerName, Err: err}
}

// FaultFromStatus classifies a non-2xx upstream status.
func FaultFromStatus(providerName string, status int, err error) *Fault {
	kind := classifyStatus(status)
	return &Fault{Kind: kind, Code: faultCode(kind, status), Provider: providerName, Err: err}
}

// FaultFromError classifies a transport-level error: context timeouts,
// net timeouts, and connection refusal each map to their own kind.
func FaultFromError(providerName string, err error) *Fault {
	kind := UpstreamServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ConnectionRefused
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = Timeout
		}
	}
	return &Fault{Kind: kind, Code: faultCode(kind, 0), Provider: providerName, Err: err}
}

func classifyStatus(status int) FaultKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthFailure
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusServiceUnavailable:
		return ServiceUnavailable
	case status >= 500:
		return UpstreamServerError
	default:
		return UpstreamServerError
	}
}

func faultCode(kind FaultKind, status int) int {
	switch kind {
	case MissingCredential:
		return http.StatusUnauthorized
	case AuthFailure:
		if status == http.StatusForbidden {
			return status
		}
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case MalformedUpstreamResponse, ConnectionRefused:
		return http.StatusBadGateway
	default:
		if status >= 500 {
			return status
		}
		return http.StatusInternalServerError
	}
}

// SoftAnswer folds a fault into an Answer-shaped soft failure so the
// caller has one slot to merge and something to render.
func SoftAnswer(providerName string, tier keys.Tier, f *Fault) Answer {
	return Answer{
		Text:        f.Message(),
		Provider:    providerName,
		UsedKeyType: tier,
		ErrorCode:   f.Code,
	}
}

// AsFault extracts a *Fault from err, wrapping unclassified errors as
// upstream server errors so no raw error escapes the adapter layer.
func AsFault(providerName string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, keys.ErrNoCredential) {
		return NewFault(providerName, MissingCredential, err)
	}
	return FaultFromError(providerName, err)
}
