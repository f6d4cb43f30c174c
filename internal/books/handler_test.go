// internal/books/handler_test.go
package books

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshare/internal/database/dbtest"
	"bookshare/internal/images"
	"bookshare/internal/policy"
	"bookshare/internal/web"
)

// actAs authenticates every request as the user id in the X-User header.
func actAs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-User"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(web.WithActor(r.Context(), policy.Actor{ID: id})))
	})
}

func newTestRouter(t *testing.T) (http.Handler, int64, int64) {
	t.Helper()
	svc, gw := newTestService(t)
	store, err := images.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	h := NewHandler(svc, store)
	r := chi.NewRouter()
	r.Route("/api/v1/books", func(r chi.Router) { h.Routes(r, actAs) })
	r.Get("/api/v1/search/books", h.HandleSearch)
	return r, dbtest.User(t, gw, "owner"), dbtest.User(t, gw, "other")
}

func do(t *testing.T, h http.Handler, req *http.Request, user int64) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	if user != 0 {
		req.Header.Set("X-User", strconv.FormatInt(user, 10))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestCreateMultipartWithImages(t *testing.T) {
	router, owner, _ := newTestRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Dune"))
	require.NoError(t, mw.WriteField("yearPublished", "1965"))
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="images"; filename="cover.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/books", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec, body := do(t, router, req, owner)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["created"])
	link := body["link"].(string)
	assert.True(t, strings.HasPrefix(link, "/api/v1/books/"), link)

	rec, body = do(t, router, httptest.NewRequest(http.MethodGet, link, nil), 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dune", body["title"])
	assert.Equal(t, float64(1965), body["yearPublished"])
	assert.Equal(t, "owner", body["ownerUsername"])
	assert.Equal(t, StatusAvailable, body["status"])
	assert.Nil(t, body["requestID"])
	assert.True(t, strings.HasSuffix(body["images"].(string), ".png"))
}

func TestCreateRequiresAuthAndValidBody(t *testing.T) {
	router, owner, _ := newTestRouter(t)

	rec, _ := do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/books", strings.NewReader(`{"title":"Dune"}`)), 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/books", strings.NewReader(`{"author":"nobody"}`)), owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", body["error"])
}

func TestUpdateAndDeleteOverHTTP(t *testing.T) {
	router, owner, other := newTestRouter(t)

	rec, body := do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/books", strings.NewReader(`{"title":"Dune"}`)), owner)
	require.Equal(t, http.StatusCreated, rec.Code)
	link := body["link"].(string)

	rec, _ = do(t, router, httptest.NewRequest(http.MethodPut, link, strings.NewReader(`{"title":"Stolen"}`)), other)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = do(t, router, httptest.NewRequest(http.MethodPut, link, strings.NewReader(`{"title":"Dune Messiah","status":"On Loan","ownerID":99}`)), owner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["updated"])

	rec, body = do(t, router, httptest.NewRequest(http.MethodGet, link, nil), 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dune Messiah", body["title"])
	assert.Equal(t, StatusAvailable, body["status"])
	assert.Equal(t, float64(owner), body["ownerID"])

	rec, body = do(t, router, httptest.NewRequest(http.MethodDelete, link, nil), owner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["deleted"])

	rec, _ = do(t, router, httptest.NewRequest(http.MethodGet, link, nil), 0)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEnvelope(t *testing.T) {
	router, owner, _ := newTestRouter(t)
	for _, title := range []string{"A", "B", "C"} {
		rec, _ := do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/books", strings.NewReader(`{"title":"`+title+`"}`)), owner)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, body := do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/books?limit=2&order=title", nil), 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["books"], 2)
	assert.Equal(t, "/api/v1/books?limit=2&order=title&page=2", body["next"])
	assert.Equal(t, false, body["prev"])

	rec, body = do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/search/books?q=zzz", nil), 0)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, body["books"])
	assert.Equal(t, false, body["next"])

	rec, _ = do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/search/books?q=a&userID=abc", nil), 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/books/abc", nil), 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
