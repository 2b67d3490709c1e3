package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/stacklok/content-mirror/internal/api/common"
	"github.com/stacklok/content-mirror/internal/middleware"
	"github.com/stacklok/content-mirror/internal/telemetry"
)

// DeliveryParamsMiddleware reads the preview and locale query parameters into
// the request context. Preview is privileged: it requires previewToken as a
// bearer token, and is refused outright when no token is configured.
func DeliveryParamsMiddleware(previewToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			params := middleware.Params{Locale: query.Get("locale")}

			if raw := query.Get("preview"); raw != "" {
				preview, err := strconv.ParseBool(raw)
				if err != nil {
					common.WriteErrorResponse(w, "preview must be true or false", http.StatusBadRequest)
					return
				}
				if preview && !validBearer(r, previewToken) {
					w.Header().Set("WWW-Authenticate", `Bearer realm="preview"`)
					common.WriteErrorResponse(w, "preview requires a valid token", http.StatusUnauthorized)
					return
				}
				params.Preview = preview
			}

			telemetry.MarkDelivery(r.Context(), params.Preview, params.Locale)
			ctx := middleware.WithParams(r.Context(), params)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validBearer(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
