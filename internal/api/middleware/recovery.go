package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"riskengine/pkg/utils"
)

// Recovery перехватывает panic в handlers, логирует stack trace и
// отвечает 500. Детали паники клиенту не отдаются.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	log := utils.NopIfNil(logger).With(utils.Component("http"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.Error("panic in handler",
						zap.Any("panic", err),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
