package placesapi

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
)

const (
	requestIDKey = "request_id"
	claimsKey    = "token_claims"
)

// RequestID reuses an incoming X-Request-ID or assigns a new UUID.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(echo.HeaderXRequestID, rid)
			return next(c)
		}
	}
}

// Recover turns a handler panic into a 500 response and logs the stack.
func Recover(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				stack := make([]byte, 4<<10)
				stack = stack[:runtime.Stack(stack, false)]
				logger.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request().URL.Path),
					zap.ByteString("stack", stack))
				err = fetcherr.Abort(c, fetcherr.CodeInternalServerError, "")
			}()
			return next(c)
		}
	}
}

// AccessLog writes one line per request.
func AccessLog(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", fetcherr.GetRequestID(c)))
			return nil
		}
	}
}

// RateLimit rejects clients that exceed their bucket, keyed by real IP.
func RateLimit(l *Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow(c.RealIP()) {
				return fetcherr.Abort(c, fetcherr.CodeRateLimitExceeded, "")
			}
			return next(c)
		}
	}
}

// Auth requires a valid bearer token issued by tokens.
func Auth(tokens *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return fetcherr.Abort(c, fetcherr.CodeTokenMissing, "")
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				return fetcherr.Abort(c, fetcherr.CodeTokenInvalid, "invalid authorization header format")
			}
			claims, err := tokens.Validate(token)
			if err != nil {
				return fetcherr.Abort(c, fetcherr.CodeTokenInvalid, "invalid or expired token")
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// ClaimsFrom returns the claims stored by Auth, or nil.
func ClaimsFrom(c echo.Context) *Claims {
	claims, _ := c.Get(claimsKey).(*Claims)
	return claims
}

// Chaos simulates a slow and flaky upstream. Every request waits latency, and
// the first failFirst requests for each distinct URI answer 503.
type Chaos struct {
	latency   time.Duration
	failFirst int
	sleep     func(time.Duration)

	mu       sync.Mutex
	attempts map[string]int
}

func NewChaos(latency time.Duration, failFirst int) *Chaos {
	return &Chaos{latency: latency, failFirst: failFirst, sleep: time.Sleep, attempts: make(map[string]int)}
}

// Reset forgets all per-URI counters.
func (ch *Chaos) Reset() {
	ch.mu.Lock()
	clear(ch.attempts)
	ch.mu.Unlock()
}

func (ch *Chaos) shouldFail(key string) (int, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.attempts[key]++
	n := ch.attempts[key]
	return n, n <= ch.failFirst
}

// Middleware applies the latency and failure schedule.
func (ch *Chaos) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ch.latency > 0 {
				ch.sleep(ch.latency)
			}
			if n, fail := ch.shouldFail(c.Request().RequestURI); fail {
				return fetcherr.New(fetcherr.CodeServiceUnavailable, "simulated upstream failure").
					WithDetail("attempt", n).
					WithDetail("fail_first", ch.failFirst).
					Send(c)
			}
			return next(c)
		}
	}
}

// HTTPErrorHandler renders echo and handler errors in the shared error envelope.
func HTTPErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var resp *fetcherr.ErrorResponse
		switch e := err.(type) {
		case *fetcherr.ErrorResponse:
			resp = e
		case *echo.HTTPError:
			code := fetcherr.CodeInternalServerError
			switch e.Code {
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				code = fetcherr.CodeRouteNotFound
			case http.StatusBadRequest:
				code = fetcherr.CodeValidationFailed
			case http.StatusUnauthorized:
				code = fetcherr.CodeUnauthorized
			case http.StatusTooManyRequests:
				code = fetcherr.CodeRateLimitExceeded
			}
			resp = fetcherr.New(code, fmt.Sprint(e.Message))
		default:
			logger.Error("unhandled error", zap.Error(err), zap.String("uri", c.Request().RequestURI))
			resp = fetcherr.New(fetcherr.CodeInternalServerError, "")
		}
		if sendErr := resp.Send(c); sendErr != nil {
			logger.Warn("failed to send error response", zap.Error(sendErr))
		}
	}
}
