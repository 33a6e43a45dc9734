package placesapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/config"
	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
)

// ListQuery is the query string accepted by GET /api/places.
type ListQuery struct {
	Filter
	Page int `query:"page" validate:"gte=0"`
}

type echoValidator struct {
	v *validator.Validate
}

func (ev *echoValidator) Validate(i any) error {
	return ev.v.Struct(i)
}

// Server is the places HTTP API.
type Server struct {
	echo    *echo.Echo
	data    *Dataset
	chaos   *Chaos
	limiter *Limiter
	tokens  *TokenService
	cfg     *config.Config
	logger  *zap.Logger
	http    *http.Server
}

// NewServer wires the API routes and middleware around data.
func NewServer(cfg *config.Config, data *Dataset, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &echoValidator{v: validator.New(validator.WithRequiredStructEnabled())}
	e.HTTPErrorHandler = HTTPErrorHandler(logger)

	s := &Server{
		echo:   e,
		data:   data,
		chaos:  NewChaos(cfg.API.Latency, cfg.API.FailFirst),
		cfg:    cfg,
		logger: logger,
	}

	e.Use(RequestID())
	if cfg.Server.Recovery {
		e.Use(Recover(logger))
	}
	e.Use(AccessLog(logger))
	if cfg.Server.CORS {
		e.Use(echomw.CORS())
	}

	e.GET("/healthz", s.health)

	api := e.Group("/api")
	if cfg.API.RateLimit > 0 {
		s.limiter = NewLimiter(cfg.API.RateLimit, cfg.API.RateBurst, 10*time.Minute)
		api.Use(RateLimit(s.limiter))
	}
	if cfg.Auth.Enabled {
		s.tokens = NewTokenService(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		api.Use(Auth(s.tokens))
	}
	api.Use(s.chaos.Middleware())
	api.GET("/places", s.listPlaces)
	api.GET("/places/:id", s.getPlace)

	return s
}

// Echo exposes the underlying router so other endpoints can be mounted.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Dataset returns the catalogue being served.
func (s *Server) Dataset() *Dataset { return s.data }

// Chaos returns the failure simulator.
func (s *Server) Chaos() *Chaos { return s.chaos }

// Tokens returns the token service, or nil when auth is disabled.
func (s *Server) Tokens() *TokenService { return s.tokens }

// ListenAndServe blocks serving on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:         s.cfg.Server.Address,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	s.logger.Info("places api listening", zap.String("address", s.cfg.Server.Address), zap.Int("places", s.data.Len()))
	if err := s.echo.StartServer(s.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"places": s.data.Len(),
	})
}

func (s *Server) listPlaces(c echo.Context) error {
	var q ListQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return fetcherr.Abort(c, fetcherr.CodeInvalidQueryParam, "malformed query string")
	}
	if err := c.Validate(&q); err != nil {
		resp := fetcherr.New(fetcherr.CodeInvalidQueryParam, "")
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.WithDetail(fe.Field(), fe.Tag())
			}
		}
		return resp.Send(c)
	}
	return c.JSON(http.StatusOK, Paginate(s.data.Search(q.Filter), q.Page, s.cfg.API.PageSize))
}

func (s *Server) getPlace(c echo.Context) error {
	id := c.Param("id")
	p, ok := s.data.Get(id)
	if !ok {
		return fetcherr.New(fetcherr.CodeResourceNotFound, "").WithDetail("id", id).Send(c)
	}
	return c.JSON(http.StatusOK, p)
}
