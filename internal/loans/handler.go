// internal/loans/handler.go
package loans

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"bookshare/internal/paging"
	"bookshare/internal/web"
)

var userDefaults = paging.Defaults{Limit: 100, Order: "dateCreated", Direction: "DESC"}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the request endpoints. All of them need an actor; the
// caller wraps r accordingly.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/user/{userID}", h.handleListByUser)
	r.Get("/{requestID}", h.handleGet)
	r.Get("/{requestID}/history", h.handleHistory)
	r.Post("/archive/{requestID}", h.handleArchive)
	r.Delete("/{requestID}", h.handleDelete)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var nr NewRequest
	if err := web.Decode(r, &nr); err != nil {
		web.Error(w, r, err)
		return
	}

	out, err := h.service.CreateRequest(r.Context(), actor, nr)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	if !out.Created {
		web.JSON(w, http.StatusOK, map[string]interface{}{"created": false, "info": out.Info})
		return
	}
	web.JSON(w, http.StatusCreated, map[string]interface{}{
		"ID":      out.Request.ID,
		"created": true,
		"link":    web.ItemLink(r, out.Request.ID),
	})
}

func (h *Handler) handleListByUser(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	userID, err := web.IDParam(r, "userID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	page := paging.Parse(r.URL.Query(), userDefaults, OrderColumns)
	res, err := h.service.ListByUser(r.Context(), actor, userID, page)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	next, prev := web.Links(r, res)
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"requests": res.Items,
		"next":     next,
		"prev":     prev,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	id, err := web.IDParam(r, "requestID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	req, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, req)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	id, err := web.IDParam(r, "requestID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	events, err := h.service.History(r.Context(), actor, id)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	id, err := web.IDParam(r, "requestID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	updated, err := h.service.ArchiveRequest(r.Context(), actor, id)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"ID": id, "updated": updated, "link": r.URL.Path})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	id, err := web.IDParam(r, "requestID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	if err := h.service.DeleteRequest(r.Context(), actor, id); err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"ID": id, "deleted": true})
}

// HandleBookStatus serves POST /books/status/{bookID}.
func (h *Handler) HandleBookStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	bookID, err := web.IDParam(r, "bookID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var body StatusChange
	if err := web.Decode(r, &body); err != nil {
		web.Error(w, r, err)
		return
	}

	updated, err := h.service.UpdateBookStatus(r.Context(), actor, bookID, body.Status)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"ID": bookID, "updated": updated, "link": r.URL.Path})
}

