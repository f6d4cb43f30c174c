// internal/users/handler.go
package users

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bookshare/internal/policy"
	"bookshare/internal/web"
)

// TokenIssuer signs session tokens handed out at login.
type TokenIssuer interface {
	Issue(userID int64, username string) (string, time.Time, error)
}

type Handler struct {
	service Service
	tokens  TokenIssuer
}

func NewHandler(service Service, tokens TokenIssuer) *Handler {
	return &Handler{service: service, tokens: tokens}
}

// Routes mounts the user endpoints. requireAuth guards everything except
// sign-up.
func (h *Handler) Routes(r chi.Router, requireAuth func(http.Handler) http.Handler) {
	r.Post("/", h.handleRegister)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/login", h.handleLogin)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusCreated, map[string]interface{}{
		"ID":      user.ID,
		"created": true,
		"link":    web.ItemLink(r, user.ID),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	user, err := h.service.Get(r.Context(), actor, actor.ID)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	token, expires, err := h.tokens.Issue(user.ID, user.Username)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"ID":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"links": map[string]string{
			"self": fmt.Sprintf("%s://%s/api/v1/users/%d", scheme, r.Host, user.ID),
		},
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	user, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, user)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var upd Update
	if err := web.Decode(r, &upd); err != nil {
		web.Error(w, r, err)
		return
	}
	if err := h.service.Update(r.Context(), actor, id, upd); err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"ID": id, "updated": true, "link": r.URL.Path})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"ID": id, "deleted": true})
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (actor policy.Actor, id int64, ok bool) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return actor, 0, false
	}
	id, err = web.IDParam(r, "id")
	if err != nil {
		web.Error(w, r, err)
		return actor, 0, false
	}
	return actor, id, true
}
