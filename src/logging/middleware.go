package logging

import (
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// RequestLogger logs one entry per request with method, path, status and
// duration. Handlers can attach fields through FromContext.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logData := NewLogData(log)
			logData.AddData("method", r.Method)
			logData.AddData("path", r.URL.Path)
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				logData.AddData("request_id", reqID)
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			endTimer := logData.AddTiming("duration_ms")
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), ctxKey{}, logData)))
			endTimer()

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logData.AddData("status", status)

			entry := logData.Log()
			switch {
			case status >= 500:
				entry.Error("HTTP.Request")
			case status >= 400:
				entry.Warn("HTTP.Request")
			default:
				entry.Info("HTTP.Request")
			}
		})
	}
}

// FromContext returns the request's LogData, or nil outside RequestLogger.
func FromContext(ctx context.Context) *LogData {
	logData, _ := ctx.Value(ctxKey{}).(*LogData)
	return logData
}
