package errors

import (
	"errors"
	"fmt"
)

// Kind tells callers how to react to a failed load without matching on strings.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCancelled means a newer request superseded this one, or the caller went away.
	// It is never shown to the user.
	KindCancelled
	// KindTimeout means a single attempt ran out of time.
	KindTimeout
	// KindNetwork means transport failures or non-2xx responses outlasted the retries.
	KindNetwork
	// KindRouteNotFound is handed to not-found handlers; dispatch never returns it.
	KindRouteNotFound
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindRouteNotFound:
		return "route_not_found"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is against any *FetchError of the same kind.
var (
	ErrCancelled     = &FetchError{Kind: KindCancelled, Code: CodeCancelled}
	ErrTimeout       = &FetchError{Kind: KindTimeout, Code: CodeTimeout}
	ErrNetwork       = &FetchError{Kind: KindNetwork, Code: CodeNetworkError}
	ErrRouteNotFound = &FetchError{Kind: KindRouteNotFound, Code: CodeRouteNotFound}
)

// FetchError is the typed failure of a fetch or route lookup.
type FetchError struct {
	Kind       Kind
	Code       ErrorCode
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Code.Message()
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches any FetchError of the same kind, so the sentinels above work with errors.Is.
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Cancelled wraps cause as a cancellation.
func Cancelled(cause error) *FetchError {
	return &FetchError{Kind: KindCancelled, Code: CodeCancelled, Err: cause}
}

// Timeout wraps cause as a single-attempt timeout.
func Timeout(cause error) *FetchError {
	return &FetchError{Kind: KindTimeout, Code: CodeTimeout, Err: cause}
}

// Network wraps cause as a transport failure.
func Network(cause error) *FetchError {
	return &FetchError{Kind: KindNetwork, Code: CodeNetworkError, Err: cause}
}

// Status reports a non-2xx response.
func Status(url string, status int) *FetchError {
	return &FetchError{Kind: KindNetwork, Code: CodeUpstreamStatus, URL: url, StatusCode: status}
}

// RouteNotFound describes a path that no route matched.
func RouteNotFound(path string) *FetchError {
	return &FetchError{Kind: KindRouteNotFound, Code: CodeRouteNotFound, URL: path}
}

// KindOf returns the kind of the first FetchError in err's chain.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

func IsNetwork(err error) bool { return KindOf(err) == KindNetwork }

func IsRouteNotFound(err error) bool { return KindOf(err) == KindRouteNotFound }
