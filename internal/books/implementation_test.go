// internal/books/implementation_test.go
package books

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshare/internal/apperr"
	"bookshare/internal/database"
	"bookshare/internal/database/dbtest"
	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

func newTestService(t *testing.T) (Service, *database.Gateway) {
	t.Helper()
	gw := dbtest.Open(t)
	return NewService(gw, slog.New(slog.NewTextHandler(io.Discard, nil))), gw
}

func firstPage(limit int) paging.Page {
	v := url.Values{"limit": {fmt.Sprint(limit)}}
	return paging.Parse(v, paging.Defaults{Limit: limit, Order: "ID", Direction: "ASC"}, OrderColumns)
}

func TestCreateStartsAvailable(t *testing.T) {
	svc, gw := newTestService(t)
	owner := dbtest.User(t, gw, "owner")
	ctx := context.Background()

	book, err := svc.Create(ctx, policy.Actor{ID: owner}, NewBook{
		Title:         "Dune",
		Author:        "Frank Herbert",
		YearPublished: 1965,
		ISBN:          "9780441013593",
		Images:        []string{"a.png", "b.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusAvailable, book.Status)
	assert.Nil(t, book.RequestID)
	assert.Equal(t, owner, book.OwnerID)
	assert.Equal(t, "owner", book.OwnerUsername)
	assert.Equal(t, []string{"a.png", "b.jpg"}, book.ImageNames())

	_, err = svc.Create(ctx, policy.Actor{ID: owner}, NewBook{Title: "   "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestGetMissingBook(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Get(context.Background(), 42)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestUpdateIsOwnerOnly(t *testing.T) {
	svc, gw := newTestService(t)
	owner := dbtest.User(t, gw, "owner")
	other := dbtest.User(t, gw, "other")
	id := dbtest.Book(t, gw, owner, "Dune")
	ctx := context.Background()

	title := "Dune Messiah"
	err := svc.Update(ctx, policy.Actor{ID: other}, id, Update{Title: &title})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	require.NoError(t, svc.Update(ctx, policy.Actor{ID: owner}, id, Update{Title: &title, Images: []string{"c.png"}}))
	book, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", book.Title)
	assert.Equal(t, "c.png", book.Images)
	assert.Equal(t, StatusAvailable, book.Status)
	assert.Equal(t, 2, book.Version)

	empty := ""
	err = svc.Update(ctx, policy.Actor{ID: owner}, id, Update{Title: &empty})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	err = svc.Update(ctx, policy.Actor{ID: owner}, 999, Update{Title: &title})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeleteCascadesRequests(t *testing.T) {
	svc, gw := newTestService(t)
	owner := dbtest.User(t, gw, "owner")
	borrower := dbtest.User(t, gw, "borrower")
	id := dbtest.Book(t, gw, owner, "Dune")
	ctx := context.Background()

	err := gw.Do(ctx, "seed", func(ctx context.Context, q database.Querier) error {
		_, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO requests (requester_id, book_id, book_owner_id) VALUES (?, ?, ?)`), borrower, id, owner)
		return err
	})
	require.NoError(t, err)

	err = svc.Delete(ctx, policy.Actor{ID: borrower}, id)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	require.NoError(t, svc.Delete(ctx, policy.Actor{ID: owner}, id))

	_, err = svc.Get(ctx, id)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	var n int
	err = gw.Do(ctx, "count", func(ctx context.Context, q database.Querier) error {
		return q.QueryRowxContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n)
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListPaginates(t *testing.T) {
	svc, gw := newTestService(t)
	owner := dbtest.User(t, gw, "owner")
	other := dbtest.User(t, gw, "other")
	for i := 0; i < 5; i++ {
		dbtest.Book(t, gw, owner, fmt.Sprintf("Book %d", i))
	}
	dbtest.Book(t, gw, other, "Other")
	ctx := context.Background()

	res, err := svc.List(ctx, firstPage(4))
	require.NoError(t, err)
	assert.Len(t, res.Items, 4)
	assert.True(t, res.HasNext)
	assert.False(t, res.HasPrev)

	second := firstPage(4)
	second.Number = 2
	res, err = svc.List(ctx, second)
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.False(t, res.HasNext)
	assert.True(t, res.HasPrev)

	res, err = svc.ListByOwner(ctx, other, firstPage(10))
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Other", res.Items[0].Title)

	res, err = svc.ListByOwner(ctx, 999, firstPage(10))
	require.NoError(t, err)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
}

func TestSearch(t *testing.T) {
	svc, gw := newTestService(t)
	owner := dbtest.User(t, gw, "owner")
	other := dbtest.User(t, gw, "other")
	dbtest.Book(t, gw, owner, "The Hobbit")
	dbtest.Book(t, gw, other, "The Hobbit, annotated")
	dbtest.Book(t, gw, owner, "100% Go")
	ctx := context.Background()

	res, err := svc.Search(ctx, "hobbit", nil, firstPage(10))
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	res, err = svc.Search(ctx, "HOBBIT", &other, firstPage(10))
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, other, res.Items[0].OwnerID)

	res, err = svc.Search(ctx, "0%", nil, firstPage(10))
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "100% Go", res.Items[0].Title)

	res, err = svc.Search(ctx, "_", nil, firstPage(10))
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestLifecyclePrimitives(t *testing.T) {
	_, gw := newTestService(t)
	owner := dbtest.User(t, gw, "owner")
	id := dbtest.Book(t, gw, owner, "Dune")
	ctx := context.Background()

	err := gw.WithinTx(ctx, "primitives", func(ctx context.Context, q database.Querier) error {
		ok, err := AttachRequest(ctx, q, id, 7)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = AttachRequest(ctx, q, id, 8)
		require.NoError(t, err)
		assert.False(t, ok, "a requested book cannot take a second request")

		ok, err = MarkAvailable(ctx, q, id)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = MarkOnLoan(ctx, q, id, 8)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = MarkOnLoan(ctx, q, id, 7)
		require.NoError(t, err)
		assert.True(t, ok)

		book, err := GetForUpdate(ctx, q, id)
		require.NoError(t, err)
		assert.Equal(t, StatusOnLoan, book.Status)
		require.NotNil(t, book.RequestID)
		assert.Equal(t, int64(7), *book.RequestID)

		ok, err = DetachRequest(ctx, q, id, 7)
		require.NoError(t, err)
		assert.True(t, ok)

		book, err = GetForUpdate(ctx, q, id)
		require.NoError(t, err)
		assert.Equal(t, StatusAvailable, book.Status)
		assert.Nil(t, book.RequestID)
		return nil
	})
	require.NoError(t, err)
}
