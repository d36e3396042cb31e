package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/core"
)

const (
	profileCookieName = "roulette_profile"
	displayNameKey    = "display_name"

	MaxDisplayNameLength = 32
)

type Profile struct {
	DisplayName string `json:"display_name"`
}

// NewCookieStore signs the anonymous profile cookie with secret
func NewCookieStore(secret string, env core.Environment) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   env.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// DisplayNameFromRequest извлекает анонимное имя пользователя из cookie, пустая строка если его нет
func DisplayNameFromRequest(store sessions.Store, r *http.Request) string {
	session, err := store.Get(r, profileCookieName)
	if err != nil {
		return ""
	}
	name, _ := session.Values[displayNameKey].(string)
	return name
}

// NormalizeDisplayName trims the name and cuts it to MaxDisplayNameLength runes
func NormalizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= MaxDisplayNameLength {
		return name
	}
	return string([]rune(name)[:MaxDisplayNameLength])
}

func ProfileShowHandler(store sessions.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Profile{DisplayName: DisplayNameFromRequest(store, r)})
	}
}

func ProfileUpdateHandler(store sessions.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profile := Profile{}
		if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		profile.DisplayName = NormalizeDisplayName(profile.DisplayName)

		// a broken cookie is replaced with a fresh one
		session, _ := store.Get(r, profileCookieName)
		session.Values[displayNameKey] = profile.DisplayName
		if err := session.Save(r, w); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't save profile cookie")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, profile)
	}
}
