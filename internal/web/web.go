// internal/web/web.go

// Package web holds the request/response plumbing shared by the API handlers.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bookshare/internal/apperr"
	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

type ctxKey int

const actorKey ctxKey = iota

// WithActor stores the authenticated actor on ctx.
func WithActor(ctx context.Context, a policy.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom returns the actor set by the authentication middleware.
func ActorFrom(ctx context.Context) (policy.Actor, bool) {
	a, ok := ctx.Value(actorKey).(policy.Actor)
	return a, ok
}

// RequireActor is ActorFrom for handlers mounted behind authentication.
func RequireActor(r *http.Request) (policy.Actor, error) {
	a, ok := ActorFrom(r.Context())
	if !ok {
		return policy.Actor{}, apperr.Unauthenticated("authentication required")
	}
	return a, nil
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}

type errorBody struct {
	Error         string              `json:"error"`
	Message       string              `json:"message"`
	Fields        []apperr.FieldError `json:"fields,omitempty"`
	CorrelationID string              `json:"id,omitempty"`
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err as a JSON error body. Unclassified errors are logged and
// replaced by a generic message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		slog.Default().ErrorContext(r.Context(), "unhandled error",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		JSON(w, http.StatusInternalServerError, errorBody{Error: apperr.KindInternal.String(), Message: "internal error"})
		return
	}

	if appErr.Kind == apperr.KindUnauthenticated {
		w.Header().Set("WWW-Authenticate", `Basic realm="bookshare"`)
	}
	JSON(w, StatusOf(appErr.Kind), errorBody{
		Error:         appErr.Kind.String(),
		Message:       appErr.Message,
		Fields:        appErr.Fields,
		CorrelationID: appErr.CorrelationID,
	})
}

// IDParam parses a positive integer URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, apperr.Validation(fmt.Sprintf("%s must be a positive integer", name),
			apperr.FieldError{Field: name, Rule: "numeric", Message: "must be a positive integer"})
	}
	return id, nil
}

// Links returns the next and prev values of a list envelope: a relative link
// when the page exists and false otherwise. The links keep every other query
// parameter of r so filters and ordering carry over.
func Links[T any](r *http.Request, res paging.Result[T]) (next, prev interface{}) {
	next, prev = false, false
	if res.HasNext {
		next = pageLink(r, res.Page.Number+1, res.Page.Limit)
	}
	if res.HasPrev {
		prev = pageLink(r, res.Page.Number-1, res.Page.Limit)
	}
	return next, prev
}

func pageLink(r *http.Request, number, limit int) string {
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(number))
	q.Set("limit", strconv.Itoa(limit))
	return r.URL.Path + "?" + q.Encode()
}

// ItemLink is the path of item id within the collection at r's path.
func ItemLink(r *http.Request, id int64) string {
	return fmt.Sprintf("%s/%d", strings.TrimRight(r.URL.Path, "/"), id)
}
