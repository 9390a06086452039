package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"riskengine/pkg/utils"
)

// TokenVerifier - проверка bearer-токена (crypto.TokenVerifier)
type TokenVerifier interface {
	Verify(token string) error
}

// BearerAuth требует заголовок Authorization: Bearer <token>.
//
// Для /ws браузер не может выставить заголовок, поэтому токен
// принимается и из query-параметра access_token.
func BearerAuth(verifier TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	log := utils.NopIfNil(logger).With(utils.Component("http"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="riskengine"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if err := verifier.Verify(token); err != nil {
				log.Warn("rejected ops token",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Error(err),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="riskengine", error="invalid_token"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
