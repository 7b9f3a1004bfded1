package server

import (
	"context"
	"net"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/orchestra-mcp/fanout/config"
	"github.com/orchestra-mcp/fanout/src/hub"
	"github.com/orchestra-mcp/fanout/src/service"
	"github.com/orchestra-mcp/fanout/src/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// KeyVerifier checks the privileged system API key.
type KeyVerifier interface {
	VerifySystemAPIKey(provided string) error
}

type Options struct {
	Addr         string
	Socket       config.SocketConfig
	MaxBodyBytes int
	// Gatherer backs GET /metrics. The default registry is used when nil.
	Gatherer prometheus.Gatherer
}

// Server is the process edge: a fasthttp server that sends /ws to the
// WebSocket upgrader, /metrics to Prometheus and everything else to Fiber.
type Server struct {
	svc      *service.Service
	registry *hub.Registry
	ingestor *webhook.Ingestor
	keys     KeyVerifier
	socket   config.SocketConfig
	logger   zerolog.Logger

	app      *fiber.App
	http     *fasthttp.Server
	upgrader websocket.FastHTTPUpgrader
	metrics  fasthttp.RequestHandler
	addr     string
}

func New(svc *service.Service, keys KeyVerifier, opts Options, logger zerolog.Logger) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		svc:      svc,
		registry: svc.Registry(),
		ingestor: svc.Ingestor(),
		keys:     keys,
		socket:   opts.Socket,
		logger:   logger.With().Str("component", "server").Logger(),
		addr:     opts.Addr,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  opts.Socket.ReadBufferSize,
			WriteBufferSize: opts.Socket.WriteBufferSize,
			CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
		},
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "fanout",
		BodyLimit:    opts.MaxBodyBytes,
		ErrorHandler: s.handleError,
	})
	s.app.Use(recoverer.New())
	s.registerRoutes(s.app)

	appHandler := s.app.Handler()
	s.http = &fasthttp.Server{
		Name:               "fanout",
		Handler:            s.route(appHandler),
		MaxRequestBodySize: opts.MaxBodyBytes,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        2 * time.Minute,
	}
	return s
}

// App exposes the Fiber application.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) route(appHandler fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			s.handleWebSocket(ctx)
		case "/metrics":
			s.metrics(ctx)
		default:
			appHandler(ctx)
		}
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.addr).Msg("http server listening")
	return s.http.ListenAndServe(s.addr)
}

// Serve accepts connections on ln until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.http.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Hijacked WebSocket connections are not tracked here; the registry closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.ShutdownWithContext(ctx)
}
