package router

import (
	"context"
	"net/http"
)

type contextKey int

const (
	paramsKey contextKey = iota
	nextKey
)

func withParams(r *http.Request, params map[string]string) *http.Request {
	if params == nil {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), paramsKey, params))
}

// Params returns the path parameters bound by the matching entry.
func Params(r *http.Request) map[string]string {
	params, _ := r.Context().Value(paramsKey).(map[string]string)
	return params
}

// Param returns one path parameter, or "".
func Param(r *http.Request, name string) string {
	return Params(r)[name]
}

// WithNext attaches the handler that should run when no route accepts r.
func WithNext(r *http.Request, next http.Handler) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), nextKey, next))
}

// Next returns the handler attached by WithNext, or nil.
func Next(r *http.Request) http.Handler {
	next, _ := r.Context().Value(nextKey).(http.Handler)
	return next
}

// NextHandler invokes the handler attached to the request, or answers 404 when none is.
var NextHandler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if next := Next(r); next != nil {
		next.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
})
