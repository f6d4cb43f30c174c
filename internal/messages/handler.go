// internal/messages/handler.go
package messages

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"bookshare/internal/paging"
	"bookshare/internal/web"
)

var listDefaults = paging.Defaults{Limit: 100, Order: "dateCreated", Direction: "ASC"}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the message endpoints behind authentication set up by the
// caller.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{requestID}", h.handleList)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	var nm NewMessage
	if err := web.Decode(r, &nm); err != nil {
		web.Error(w, r, err)
		return
	}
	msg, err := h.service.Create(r.Context(), actor, nm)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusCreated, map[string]interface{}{
		"ID":      msg.ID,
		"created": true,
		"link":    web.ItemLink(r, msg.ID),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	requestID, err := web.IDParam(r, "requestID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	page := paging.Parse(r.URL.Query(), listDefaults, OrderColumns)
	res, err := h.service.ListByRequest(r.Context(), actor, requestID, page)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	next, prev := web.Links(r, res)
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"messages": res.Items,
		"next":     next,
		"prev":     prev,
	})
}
