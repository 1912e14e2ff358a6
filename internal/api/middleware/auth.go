package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// AuthConfig holds the Control API's authentication configuration
// (spec.md §6's 401 unauthenticated path): a set of accepted API
// keys, each mapped to the caller identity it represents.
type AuthConfig struct {
	// APIKeys maps an accepted key to the caller it authenticates.
	APIKeys map[string]*User
}

// AuthMiddleware validates an API key carried as
// "Authorization: ApiKey <key>". On success it adds the matching User
// to the request context (retrievable via GetUser); on failure it
// returns 401 Unauthorized per spec.md §6.
func AuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get(AuthorizationHeader)
			if authHeader == "" {
				writeUnauthorized(w, r, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "ApiKey" {
				writeUnauthorized(w, r, "Invalid Authorization header format")
				return
			}

			user := validateAPIKey(parts[1], config.APIKeys)
			if user == nil {
				writeUnauthorized(w, r, "Invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validateAPIKey looks up apiKey in the configured set of keys.
func validateAPIKey(apiKey string, apiKeys map[string]*User) *User {
	return apiKeys[apiKey]
}

// writeUnauthorized writes a 401 Unauthorized response.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	requestID := GetRequestID(r.Context())
	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"code":       "AUTHENTICATION_ERROR",
			"message":    message,
			"request_id": requestID,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(errorResponse)
}

// GetUser extracts the authenticated caller from context.
func GetUser(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(UserContextKey).(*User)
	return user, ok
}
