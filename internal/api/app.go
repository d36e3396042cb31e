package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/telemetry"
)

// SessionsLister pages through archived sessions
type SessionsLister interface {
	GetAll(page int, perPage int) (*core.SessionsArchive, error)
}

// AppOptions is options of the application
type AppOptions struct {
	Stats       telemetry.StatsSource
	CookieStore sessions.Store
	// Archive is optional, /sessions is not routed without it
	Archive SessionsLister

	router *chi.Mux
}

// App is application for API
type App struct {
	AppOptions
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	options.router = chi.NewRouter()

	return &App{options}
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	// API для получения текущей статистики очередей
	// GET /api/v1/stats
	app.router.Get("/stats", StatsHandler(app.Stats))

	// API для анонимного профиля (имя хранится в подписанной cookie)
	// GET, POST /api/v1/profile
	app.router.Get("/profile", ProfileShowHandler(app.CookieStore))
	app.router.Post("/profile", ProfileUpdateHandler(app.CookieStore))

	if app.Archive != nil {
		// GET /api/v1/sessions?p=1&limit=50
		app.router.Get("/sessions", SessionsIndexHandler(app.Archive))
	}

	return app.router
}

func StatsHandler(source telemetry.StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, source.Stats())
	}
}

func SessionsIndexHandler(archive SessionsLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			page    int
			perPage int
			err     error
		)

		if pageParam := r.URL.Query().Get("p"); pageParam != "" {
			page, err = strconv.Atoi(pageParam)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		if perPageParam := r.URL.Query().Get("limit"); perPageParam != "" {
			perPage, err = strconv.Atoi(perPageParam)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		archived, err := archive.GetAll(page, perPage)
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't list sessions")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, archived)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}
