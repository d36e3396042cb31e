package ws

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/ratelimit"
	"github.com/isqad/livelook-roulette/internal/relay"
)

const defaultMaxMessageSize = 64 * 1024

// WsAppOptions is options of the application
type WsAppOptions struct {
	Env            core.Environment
	Address        string
	MaxMessageSize int64

	Hub         *Hub
	Lifecycle   Lifecycle
	Limiter     relay.Limiter
	ConnectRule ratelimit.Rule
	CookieStore sessions.Store
	// API is mounted under /api/v1 when set
	API http.Handler

	websocket *melody.Melody
}

// WsApp is the websocket server of the roulette
type WsApp struct {
	WsAppOptions
}

func New(options WsAppOptions) *WsApp {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = options.MaxMessageSize
	if options.websocket.Config.MaxMessageSize <= 0 {
		options.websocket.Config.MaxMessageSize = defaultMaxMessageSize
	}
	if options.Hub == nil {
		options.Hub = NewHub()
	}

	return &WsApp{
		options,
	}
}

func (app *WsApp) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Address,
		Handler:           app.Router(),
		ReadHeaderTimeout: 1 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the server")

		// hijacked connections are not tracked by the http server
		if err := app.websocket.Close(); err != nil {
			log.Error().Err(err).Str("service", "websockets").Msg("can't close websockets")
		}

		log.Info().Msg("all services are stopped")
		close(done)
	})

	// Shutdown the HTTP server
	go func() {
		<-quit
		log.Warn().Msg("the server is going shutting down")

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Fatal().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("address", app.Address).Msg("listening")

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server has been closed immediatelly")
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

// Router builds the http router of the application
func (app *WsApp) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	app.websocket.HandleConnect(ConnectHandler(app.Hub, app.Lifecycle))
	app.websocket.HandleDisconnect(DisconnectHandler(app.Hub, app.Lifecycle))
	app.websocket.HandleMessage(HandleMessage(app.Hub, app.Lifecycle))
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "websockets").Msg("error in websocket session")
	})

	r.Get("/ws", WsHandler(app.websocket, app.Limiter, app.ConnectRule, app.CookieStore))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	if app.API != nil {
		r.Mount("/api/v1", app.API)
	}

	return r
}

// InitLogger sets up the global logger
func InitLogger(env core.Environment) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}
