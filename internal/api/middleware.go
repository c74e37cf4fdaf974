package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

const maxJsonBodyBytes = 64 << 10

func (s *ChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				w.Header().Set("Connection", "close")
				s.writeError(w, NewInternalServerError(panicError))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request once the response is written.
func (s *ChatApp) requestLogger(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		s.log.Printf("%s %s %d %dB %s",
			p.Request.Method,
			p.URL.RequestURI(),
			p.StatusCode,
			p.Size,
			time.Since(p.TimeStamp).Round(time.Millisecond),
		)
	})
}

// limitJsonBody caps the request body of JSON endpoints. decodeJson reports
// an oversized body as 413.
func (s *ChatApp) limitJsonBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJsonBodyBytes)
		next(w, r)
	}
}

func (s *ChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenCookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		memberId, err := s.extractMemberIdFromToken(tokenCookie.Value)
		if err != nil {
			s.log.Printf("failed to extract member id from token: %v", err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		ctx := WithMemberId(r.Context(), memberId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
