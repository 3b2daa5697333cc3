package middleware

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Range, X-Request-ID"
	corsExposed = "Content-Length, Content-Range, Accept-Ranges, X-Request-ID"
)

// AllowCORS opens the API to browser players on the configured origin. Range
// is allowed and exposed so players can scrub through segments.
func AllowCORS(origin string) func(httprouter.Handle) httprouter.Handle {
	if origin == "" {
		origin = "*"
	}
	return func(next httprouter.Handle) httprouter.Handle {
		handler := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Expose-Headers", corsExposed)

			next(w, r, ps)
		}
		return handler
	}
}

// PreflightOPTIONS answers CORS preflight for every route. Wire it to the
// router's GlobalOPTIONS.
func PreflightOPTIONS(origin string) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", corsMethods)
		w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
	})
}
