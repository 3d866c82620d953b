package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"

	"confbridge-admin/internal/config"
)

// RoleReadOnly keys may only issue GET requests.
const RoleReadOnly = "readonly"

// APIKeyName returns the name of the key that authenticated the request.
func APIKeyName(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return info.apiKey
	}
	return ""
}

func APIKeyAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeFailure(w, http.StatusUnauthorized, "api key required")
				return
			}
			var match *config.APIKey
			for i := range cfg.APIKeys {
				if subtle.ConstantTimeCompare([]byte(cfg.APIKeys[i].Key), []byte(key)) == 1 {
					match = &cfg.APIKeys[i]
					break
				}
			}
			if match == nil {
				writeFailure(w, http.StatusForbidden, "invalid api key")
				return
			}
			if match.Role == RoleReadOnly && r.Method != http.MethodGet && r.Method != http.MethodHead {
				writeFailure(w, http.StatusForbidden, "api key is read-only")
				return
			}
			info, ok := r.Context().Value(requestInfoKey).(*requestInfo)
			if !ok {
				info = &requestInfo{}
				r = r.WithContext(context.WithValue(r.Context(), requestInfoKey, info))
			}
			info.apiKey = match.Name
			next.ServeHTTP(w, r)
		})
	}
}
