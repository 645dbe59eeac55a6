package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS lets the listed browser origins call the API with cookies. Requests
// from any other origin get no CORS headers, and the browser blocks them.
//
// With credentials allowed the origin must be echoed back; "*" is not valid,
// so origins is always an explicit list.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           3600,
	})
}
