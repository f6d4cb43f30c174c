// internal/loans/repository.go
package loans

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"bookshare/internal/apperr"
	"bookshare/internal/database"
	"bookshare/internal/paging"
)

const requestColumns = `id, title, requester_id, book_id, book_owner_id, status, is_archived_by_requester, is_archived_by_receiver, created_at, updated_at`

// errBookTaken rolls back a CreateRequest that lost the race for a book.
var errBookTaken = apperr.Conflict(InfoAlreadyRequested)

func insertRequest(ctx context.Context, q database.Querier, title string, requesterID, bookID, ownerID int64) (int64, error) {
	var id int64
	err := q.QueryRowxContext(ctx, q.Rebind(`
		INSERT INTO requests (title, requester_id, book_id, book_owner_id, status)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), title, requesterID, bookID, ownerID, StatusOpen).Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return 0, errBookTaken
		}
		return 0, fmt.Errorf("insert request for book %d: %w", bookID, err)
	}
	return id, nil
}

// Get loads a request without its book status.
func Get(ctx context.Context, q database.Querier, id int64) (*Request, error) {
	return get(ctx, q, id, "")
}

// getForUpdate is Get with the row locked on postgres.
func getForUpdate(ctx context.Context, q database.Querier, id int64) (*Request, error) {
	return get(ctx, q, id, database.ForUpdate(q))
}

func get(ctx context.Context, q database.Querier, id int64, lock string) (*Request, error) {
	r := &Request{}
	err := sqlx.GetContext(ctx, q, r, q.Rebind(`SELECT `+requestColumns+` FROM requests WHERE id = ?`+lock), id)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("request", id)
		}
		return nil, fmt.Errorf("get request %d: %w", id, err)
	}
	return r, nil
}

func getWithBookStatus(ctx context.Context, q database.Querier, id int64) (*Request, error) {
	r := &Request{}
	err := sqlx.GetContext(ctx, q, r, q.Rebind(`
		SELECT r.id, r.title, r.requester_id, r.book_id, r.book_owner_id, r.status,
			r.is_archived_by_requester, r.is_archived_by_receiver, r.created_at, r.updated_at,
			b.status AS book_status
		FROM requests r JOIN books b ON b.id = r.book_id
		WHERE r.id = ?
	`), id)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("request", id)
		}
		return nil, fmt.Errorf("get request %d: %w", id, err)
	}
	return r, nil
}

func setStatus(ctx context.Context, q database.Querier, id int64, status string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE requests SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`), status, id)
	if err != nil {
		return fmt.Errorf("set request %d status %s: %w", id, status, err)
	}
	return nil
}

type side int

const (
	requesterSide side = iota
	receiverSide
)

func (s side) String() string {
	if s == requesterSide {
		return "requester"
	}
	return "receiver"
}

func (s side) column() string {
	if s == requesterSide {
		return "is_archived_by_requester"
	}
	return "is_archived_by_receiver"
}

func archive(ctx context.Context, q database.Querier, id int64, s side) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE requests SET `+s.column()+` = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`), id, StatusCompleted)
	if err != nil {
		return fmt.Errorf("archive request %d for %s: %w", id, s, err)
	}
	return nil
}

func deleteRequest(ctx context.Context, q database.Querier, id int64) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM requests WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete request %d: %w", id, err)
	}
	return nil
}

func listByUser(ctx context.Context, q database.Querier, userID int64, page paging.Page) ([]Request, error) {
	clause, args := page.Clause()
	var out []Request
	err := sqlx.SelectContext(ctx, q, &out,
		q.Rebind(`SELECT `+requestColumns+` FROM requests WHERE (requester_id = ? OR book_owner_id = ?)`+clause),
		append([]interface{}{userID, userID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list requests of user %d: %w", userID, err)
	}
	return out, nil
}
