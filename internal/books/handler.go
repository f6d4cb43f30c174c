// internal/books/handler.go
package books

import (
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bookshare/internal/apperr"
	"bookshare/internal/images"
	"bookshare/internal/paging"
	"bookshare/internal/web"
)

const maxMultipartMemory = 16 << 20

var (
	listDefaults   = paging.Defaults{Limit: 14, Order: "dateCreated", Direction: "ASC"}
	ownerDefaults  = paging.Defaults{Limit: 100, Order: "dateCreated", Direction: "ASC"}
	searchDefaults = paging.Defaults{Limit: 100, Order: "dateCreated", Direction: "DESC"}
)

type Handler struct {
	service Service
	images  images.Store
}

func NewHandler(service Service, store images.Store) *Handler {
	return &Handler{service: service, images: store}
}

// Routes mounts the book endpoints. Reads are public.
func (h *Handler) Routes(r chi.Router, requireAuth func(http.Handler) http.Handler) {
	r.Get("/", h.handleList)
	r.Get("/{bookID}", h.handleGet)
	r.Get("/user/{userID}", h.handleListByOwner)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/", h.handleCreate)
		r.Put("/{bookID}", h.handleUpdate)
		r.Delete("/{bookID}", h.handleDelete)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	page := paging.Parse(r.URL.Query(), listDefaults, OrderColumns)
	res, err := h.service.List(r.Context(), page)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	writeList(w, r, res)
}

func (h *Handler) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	userID, err := web.IDParam(r, "userID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	page := paging.Parse(r.URL.Query(), ownerDefaults, OrderColumns)
	res, err := h.service.ListByOwner(r.Context(), userID, page)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	writeList(w, r, res)
}

// HandleSearch serves GET /search/books?q=&userID=.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var ownerID *int64
	if raw := query.Get("userID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 1 {
			web.Error(w, r, apperr.Validation("userID must be a positive integer",
				apperr.FieldError{Field: "userID", Rule: "numeric", Message: "must be a positive integer"}))
			return
		}
		ownerID = &id
	}
	page := paging.Parse(query, searchDefaults, OrderColumns)
	res, err := h.service.Search(r.Context(), query.Get("q"), ownerID, page)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	writeList(w, r, res)
}

func writeList(w http.ResponseWriter, r *http.Request, res paging.Result[Book]) {
	next, prev := web.Links(r, res)
	web.JSON(w, http.StatusOK, map[string]interface{}{
		"books": res.Items,
		"next":  next,
		"prev":  prev,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := web.IDParam(r, "bookID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	book, err := h.service.Get(r.Context(), id)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, book)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	var nb NewBook
	if isMultipart(r) {
		form, err := h.parseForm(r)
		if err != nil {
			web.Error(w, r, err)
			return
		}
		nb, err = form.newBook()
		if err != nil {
			web.Error(w, r, err)
			return
		}
		if err := web.Validate(&nb); err != nil {
			web.Error(w, r, err)
			return
		}
		if nb.Images, err = h.saveImages(r, form.files); err != nil {
			web.Error(w, r, err)
			return
		}
	} else if err := web.Decode(r, &nb); err != nil {
		web.Error(w, r, err)
		return
	}

	book, err := h.service.Create(r.Context(), actor, nb)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusCreated, map[string]interface{}{
		"ID":      book.ID,
		"created": true,
		"link":    web.ItemLink(r, book.ID),
	})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	id, err := web.IDParam(r, "bookID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	var upd Update
	if isMultipart(r) {
		form, err := h.parseForm(r)
		if err != nil {
			web.Error(w, r, err)
			return
		}
		upd, err = form.update()
		if err != nil {
			web.Error(w, r, err)
			return
		}
		if err := web.Validate(&upd); err != nil {
			web.Error(w, r, err)
			return
		}
		if upd.Images, err = h.saveImages(r, form.files); err != nil {
			web.Error(w, r, err)
			return
		}
	} else if err := web.Decode(r, &upd); err != nil {
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
	actor, err := web.RequireActor(r)
	if err != nil {
		web.Error(w, r, err)
		return
	}
	id, err := web.IDParam(r, "bookID")
	if err != nil {
		web.Error(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		web.Error(w, r, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]interface{}{"ID": id, "deleted": true})
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// bookForm is a parsed multipart book body. Every file part is treated as
// an image, whatever its field name.
type bookForm struct {
	values map[string][]string
	files  []*multipart.FileHeader
}

func (h *Handler) parseForm(r *http.Request) (*bookForm, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, apperr.Validation(fmt.Sprintf("malformed multipart body: %v", err))
	}
	form := &bookForm{values: r.MultipartForm.Value}

	keys := make([]string, 0, len(r.MultipartForm.File))
	for k := range r.MultipartForm.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.files = append(form.files, r.MultipartForm.File[k]...)
	}
	return form, nil
}

func (f *bookForm) get(key string) (string, bool) {
	v, ok := f.values[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func (f *bookForm) year() (*int, error) {
	raw, ok := f.get("yearPublished")
	if !ok || raw == "" {
		return nil, nil
	}
	year, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apperr.Validation("yearPublished must be a number",
			apperr.FieldError{Field: "yearPublished", Rule: "numeric", Message: "must be a number"})
	}
	return &year, nil
}

func (f *bookForm) newBook() (NewBook, error) {
	var nb NewBook
	nb.Title, _ = f.get("title")
	nb.Author, _ = f.get("author")
	nb.Summary, _ = f.get("summary")
	nb.ISBN, _ = f.get("ISBN")
	year, err := f.year()
	if err != nil {
		return nb, err
	}
	if year != nil {
		nb.YearPublished = *year
	}
	return nb, nil
}

func (f *bookForm) update() (Update, error) {
	var upd Update
	ptr := func(key string) *string {
		if v, ok := f.get(key); ok {
			return &v
		}
		return nil
	}
	upd.Title = ptr("title")
	upd.Author = ptr("author")
	upd.Summary = ptr("summary")
	upd.ISBN = ptr("ISBN")
	year, err := f.year()
	if err != nil {
		return upd, err
	}
	upd.YearPublished = year
	return upd, nil
}

func (h *Handler) saveImages(r *http.Request, files []*multipart.FileHeader) ([]string, error) {
	names := make([]string, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %q: %w", fh.Filename, err)
		}
		name, err := h.images.Save(r.Context(), fh.Filename, fh.Header.Get("Content-Type"), f)
		f.Close()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

