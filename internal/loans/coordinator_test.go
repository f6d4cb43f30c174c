// internal/loans/coordinator_test.go
package loans

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshare/internal/apperr"
	"bookshare/internal/books"
	"bookshare/internal/database"
	"bookshare/internal/database/dbtest"
	"bookshare/internal/eventstore"
	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

func newTestService(t *testing.T) (Service, *database.Gateway) {
	t.Helper()
	gw := dbtest.Open(t)
	svc, err := NewService(gw, eventstore.NewEventStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc, gw
}

type bookRow struct {
	Status    string `db:"status"`
	RequestID *int64 `db:"request_id"`
}

func loadBook(t require.TestingT, gw *database.Gateway, id int64) bookRow {
	var row bookRow
	err := gw.Do(context.Background(), "test.book", func(ctx context.Context, q database.Querier) error {
		return q.QueryRowxContext(ctx, q.Rebind(`SELECT status, request_id FROM books WHERE id = ?`), id).StructScan(&row)
	})
	require.NoError(t, err)
	return row
}

func loadRequest(t require.TestingT, gw *database.Gateway, id int64) *Request {
	var req *Request
	err := gw.Do(context.Background(), "test.request", func(ctx context.Context, q database.Querier) error {
		var err error
		req, err = Get(ctx, q, id)
		return err
	})
	require.NoError(t, err)
	return req
}

type fixture struct {
	svc      Service
	gw       *database.Gateway
	owner    policy.Actor
	borrower policy.Actor
	stranger policy.Actor
	bookID   int64
}

func newFixture(t *testing.T) fixture {
	svc, gw := newTestService(t)
	f := fixture{svc: svc, gw: gw}
	f.owner = policy.Actor{ID: dbtest.User(t, gw, "owner"), Username: "owner"}
	f.borrower = policy.Actor{ID: dbtest.User(t, gw, "borrower"), Username: "borrower"}
	f.stranger = policy.Actor{ID: dbtest.User(t, gw, "stranger"), Username: "stranger"}
	f.bookID = dbtest.Book(t, gw, f.owner.ID, "Dune")
	return f
}

func (f fixture) open(t *testing.T) int64 {
	t.Helper()
	out, err := f.svc.CreateRequest(context.Background(), f.borrower, NewRequest{RequesterID: f.borrower.ID, BookID: f.bookID})
	require.NoError(t, err)
	require.True(t, out.Created, out.Info)
	return out.Request.ID
}

func TestLendingScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.open(t)
	book := loadBook(t, f.gw, f.bookID)
	assert.Equal(t, books.StatusRequested, book.Status)
	require.NotNil(t, book.RequestID)
	assert.Equal(t, id, *book.RequestID)

	req := loadRequest(t, f.gw, id)
	assert.Equal(t, StatusOpen, req.Status)
	assert.Equal(t, f.owner.ID, req.BookOwnerID)
	assert.Equal(t, "Dune", req.Title)

	updated, err := f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, books.StatusOnLoan)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, StatusAccepted, loadRequest(t, f.gw, id).Status)
	book = loadBook(t, f.gw, f.bookID)
	assert.Equal(t, books.StatusOnLoan, book.Status)
	require.NotNil(t, book.RequestID)

	updated, err = f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, books.StatusAvailable)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, StatusCompleted, loadRequest(t, f.gw, id).Status)
	book = loadBook(t, f.gw, f.bookID)
	assert.Equal(t, books.StatusAvailable, book.Status)
	assert.Nil(t, book.RequestID)

	updated, err = f.svc.ArchiveRequest(ctx, f.borrower, id)
	require.NoError(t, err)
	assert.True(t, updated)
	updated, err = f.svc.ArchiveRequest(ctx, f.owner, id)
	require.NoError(t, err)
	assert.True(t, updated)

	req = loadRequest(t, f.gw, id)
	assert.True(t, req.IsArchivedByRequester)
	assert.True(t, req.IsArchivedByReceiver)

	events, err := f.svc.History(ctx, f.owner, id)
	require.NoError(t, err)
	var types []string
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{EventOpened, EventAccepted, EventCompleted, EventArchived, EventArchived}, types)

	// The book is free again, so a new loan can start.
	f.open(t)
}

func TestCreateRequestOnOwnBook(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.CreateRequest(context.Background(), f.owner, NewRequest{RequesterID: f.owner.ID, BookID: f.bookID})
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, InfoOwnBook, out.Info)

	book := loadBook(t, f.gw, f.bookID)
	assert.Equal(t, books.StatusAvailable, book.Status)
	assert.Nil(t, book.RequestID)
}

func TestCreateRequestOnRequestedBook(t *testing.T) {
	f := newFixture(t)
	first := f.open(t)

	out, err := f.svc.CreateRequest(context.Background(), f.stranger, NewRequest{BookID: f.bookID})
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, InfoAlreadyRequested, out.Info)

	book := loadBook(t, f.gw, f.bookID)
	assert.Equal(t, first, *book.RequestID)

	res, err := f.svc.ListByUser(context.Background(), f.stranger, f.stranger.ID, paging.Page{Number: 1, Limit: 10, Column: "id", Direction: "ASC"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, f.borrower, NewRequest{RequesterID: f.stranger.ID, BookID: f.bookID})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.svc.CreateRequest(ctx, f.borrower, NewRequest{BookID: 999})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestConcurrentRequestsOpenOnlyOne(t *testing.T) {
	f := newFixture(t)
	const n = 8
	actors := make([]policy.Actor, n)
	for i := range actors {
		actors[i] = policy.Actor{ID: dbtest.User(t, f.gw, fmt.Sprintf("racer%d", i))}
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	for i := range actors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.svc.CreateRequest(context.Background(), actors[i], NewRequest{BookID: f.bookID})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i].Created {
			created++
		} else {
			assert.Equal(t, InfoAlreadyRequested, outcomes[i].Info)
		}
	}
	assert.Equal(t, 1, created)
}

func TestUpdateBookStatusRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateBookStatus(ctx, f.borrower, f.bookID, books.StatusAvailable)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.svc.UpdateBookStatus(ctx, f.owner, 999, books.StatusAvailable)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	// Without a request only Available can be written.
	updated, err := f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, books.StatusOnLoan)
	require.NoError(t, err)
	assert.False(t, updated)
	updated, err = f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, books.StatusAvailable)
	require.NoError(t, err)
	assert.True(t, updated)

	id := f.open(t)
	for _, status := range []string{books.StatusRequested, "Lost", ""} {
		updated, err = f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, status)
		require.NoError(t, err)
		assert.False(t, updated, status)
	}
	assert.Equal(t, StatusOpen, loadRequest(t, f.gw, id).Status)
	assert.Equal(t, books.StatusRequested, loadBook(t, f.gw, f.bookID).Status)

	// Withdrawn before lending: Requested straight back to Available.
	updated, err = f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, books.StatusAvailable)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, StatusCompleted, loadRequest(t, f.gw, id).Status)
}

func TestArchiveRequiresCompletedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)

	updated, err := f.svc.ArchiveRequest(ctx, f.borrower, id)
	require.NoError(t, err)
	assert.False(t, updated)
	req := loadRequest(t, f.gw, id)
	assert.False(t, req.IsArchivedByRequester)
	assert.False(t, req.IsArchivedByReceiver)

	_, err = f.svc.ArchiveRequest(ctx, f.stranger, id)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.svc.ArchiveRequest(ctx, f.owner, 999)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, books.StatusAvailable)
	require.NoError(t, err)
	updated, err = f.svc.ArchiveRequest(ctx, f.owner, id)
	require.NoError(t, err)
	assert.True(t, updated)
	req = loadRequest(t, f.gw, id)
	assert.False(t, req.IsArchivedByRequester)
	assert.True(t, req.IsArchivedByReceiver)
}

func TestDeleteRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)

	err := f.svc.DeleteRequest(ctx, f.owner, id)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	err = f.svc.DeleteRequest(ctx, f.stranger, id)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	require.NoError(t, f.svc.DeleteRequest(ctx, f.borrower, id))
	book := loadBook(t, f.gw, f.bookID)
	assert.Equal(t, books.StatusAvailable, book.Status)
	assert.Nil(t, book.RequestID)

	_, err = f.svc.Get(ctx, f.borrower, id)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	err = f.svc.DeleteRequest(ctx, f.borrower, id)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

// lockRecorder reports itself as postgres so repositories ask for row
// locks, strips the FOR UPDATE before sqlite sees it and records which
// table each lock was taken on.
type lockRecorder struct {
	database.Querier
	locked []string
}

func (l *lockRecorder) DriverName() string { return "postgres" }

func (l *lockRecorder) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	if strings.HasSuffix(query, " FOR UPDATE") {
		query = strings.TrimSuffix(query, " FOR UPDATE")
		switch {
		case strings.Contains(query, "FROM books"):
			l.locked = append(l.locked, "books")
		case strings.Contains(query, "FROM requests"):
			l.locked = append(l.locked, "requests")
		}
	}
	return l.Querier.QueryRowxContext(ctx, query, args...)
}

func TestWithdrawalLocksBookBeforeRequest(t *testing.T) {
	f := newFixture(t)
	id := f.open(t)

	rec := &lockRecorder{}
	err := f.gw.WithinTx(context.Background(), "test.lock", func(ctx context.Context, q database.Querier) error {
		rec.Querier = q
		req, err := lockRequest(ctx, rec, id)
		if err != nil {
			return err
		}
		assert.Equal(t, f.bookID, req.BookID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"books", "requests"}, rec.locked)

	err = f.gw.WithinTx(context.Background(), "test.lock", func(ctx context.Context, q database.Querier) error {
		_, err := lockRequest(ctx, &lockRecorder{Querier: q}, id+100)
		return err
	})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeleteCompletedRequestLeavesNewLoanAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.open(t)
	_, err := f.svc.UpdateBookStatus(ctx, f.owner, f.bookID, books.StatusAvailable)
	require.NoError(t, err)

	out, err := f.svc.CreateRequest(ctx, f.stranger, NewRequest{BookID: f.bookID})
	require.NoError(t, err)
	require.True(t, out.Created)

	require.NoError(t, f.svc.DeleteRequest(ctx, f.borrower, old))
	book := loadBook(t, f.gw, f.bookID)
	assert.Equal(t, books.StatusRequested, book.Status)
	assert.Equal(t, out.Request.ID, *book.RequestID)
}

func TestReadsAreForParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)

	for _, a := range []policy.Actor{f.owner, f.borrower} {
		req, err := f.svc.Get(ctx, a, id)
		require.NoError(t, err)
		assert.Equal(t, books.StatusRequested, req.BookStatus)

		res, err := f.svc.ListByUser(ctx, a, a.ID, paging.Page{Number: 1, Limit: 10, Column: "created_at", Direction: "DESC"})
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, id, res.Items[0].ID)
	}

	_, err := f.svc.Get(ctx, f.stranger, id)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = f.svc.History(ctx, f.stranger, id)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = f.svc.ListByUser(ctx, f.stranger, f.borrower.ID, paging.Page{Number: 1, Limit: 10, Column: "id", Direction: "ASC"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}
