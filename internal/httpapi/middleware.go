package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/venue"
)

// headerAccessPassword carries the shared operator password.
const headerAccessPassword = "X-Access-Password"

type ctxKey int

const requestIDKey ctxKey = 0

// publicPaths are reachable without the access password.
var publicPaths = map[string]struct{}{
	"/":                   {},
	"/health":             {},
	"/public/ping":        {},
	"/api/monitor/health": {},
}

// requestID tags every request. The id is short on purpose, it only has
// to correlate log lines.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

// auth gates every non-public path behind the access password. The
// trade and account passthrough additionally requires the venue's API
// keys so requests never reach a client that cannot sign them.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := publicPaths[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.AccessPassword == "" {
			writeError(w, http.StatusServiceUnavailable, "access password not configured")
			return
		}
		switch provided := r.Header.Get(headerAccessPassword); {
		case provided == "":
			writeError(w, http.StatusUnauthorized, "missing access password, set the %s header", headerAccessPassword)
			return
		case provided != s.cfg.AccessPassword:
			writeError(w, http.StatusUnauthorized, "invalid access password")
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/trade/") || strings.HasPrefix(r.URL.Path, "/api/account/") {
			ex := venue.Exchange(strings.ToLower(mux.Vars(r)["exchange"]))
			if !s.hasVenueKeys(ex) {
				writeError(w, http.StatusBadRequest, "%s API keys not configured", ex)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hasVenueKeys(ex venue.Exchange) bool {
	switch ex {
	case venue.Binance:
		return s.binance != nil && s.binance.HasCredentials()
	case venue.OKX:
		return s.okx != nil && s.okx.HasCredentials()
	}
	return false
}
