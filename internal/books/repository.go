// internal/books/repository.go
package books

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"bookshare/internal/apperr"
	"bookshare/internal/database"
	"bookshare/internal/paging"
)

const bookColumns = `b.id, b.title, b.author, b.summary, b.year_published, b.isbn, b.images, b.owner_id, b.request_id, b.status, b.version, b.created_at, b.updated_at`

func insertBook(ctx context.Context, q database.Querier, ownerID int64, nb NewBook) (int64, error) {
	query := q.Rebind(`
		INSERT INTO books (title, author, summary, year_published, isbn, images, owner_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var id int64
	err := q.QueryRowxContext(ctx, query,
		nb.Title, nb.Author, nb.Summary, nb.YearPublished, nb.ISBN, JoinImages(nb.Images), ownerID, StatusAvailable,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert book: %w", err)
	}
	return id, nil
}

// Get loads a book with its owner's username.
func Get(ctx context.Context, q database.Querier, id int64) (*Book, error) {
	b := &Book{}
	query := q.Rebind(`
		SELECT ` + bookColumns + `, u.username AS owner_username
		FROM books b JOIN users u ON u.id = b.owner_id
		WHERE b.id = ?
	`)
	if err := sqlx.GetContext(ctx, q, b, query, id); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("book", id)
		}
		return nil, fmt.Errorf("get book %d: %w", id, err)
	}
	return b, nil
}

// GetForUpdate loads a book and, on postgres, locks its row until the
// surrounding transaction ends.
func GetForUpdate(ctx context.Context, q database.Querier, id int64) (*Book, error) {
	b := &Book{}
	query := q.Rebind(`SELECT ` + bookColumns + ` FROM books b WHERE b.id = ?` + database.ForUpdate(q))
	if err := sqlx.GetContext(ctx, q, b, query, id); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("book", id)
		}
		return nil, fmt.Errorf("get book %d for update: %w", id, err)
	}
	return b, nil
}

// AttachRequest marks an unrequested book as Requested by requestID. It
// reports false when another request got there first.
func AttachRequest(ctx context.Context, q database.Querier, bookID, requestID int64) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE books
		SET request_id = ?, status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND request_id IS NULL
	`), requestID, StatusRequested, bookID)
	if err != nil {
		return false, fmt.Errorf("attach request %d to book %d: %w", requestID, bookID, err)
	}
	return affected(res)
}

// MarkOnLoan moves a book that still belongs to requestID to On Loan.
func MarkOnLoan(ctx context.Context, q database.Querier, bookID, requestID int64) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE books
		SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND request_id = ?
	`), StatusOnLoan, bookID, requestID)
	if err != nil {
		return false, fmt.Errorf("mark book %d on loan: %w", bookID, err)
	}
	return affected(res)
}

// DetachRequest makes the book Available again if it still belongs to
// requestID.
func DetachRequest(ctx context.Context, q database.Querier, bookID, requestID int64) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE books
		SET request_id = NULL, status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND request_id = ?
	`), StatusAvailable, bookID, requestID)
	if err != nil {
		return false, fmt.Errorf("detach request %d from book %d: %w", requestID, bookID, err)
	}
	return affected(res)
}

// MarkAvailable rewrites the status of a book that has no request.
func MarkAvailable(ctx context.Context, q database.Querier, bookID int64) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE books
		SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND request_id IS NULL
	`), StatusAvailable, bookID)
	if err != nil {
		return false, fmt.Errorf("mark book %d available: %w", bookID, err)
	}
	return affected(res)
}

func affected(res interface{ RowsAffected() (int64, error) }) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type filter struct {
	ownerID *int64
	keyword string
}

func (f filter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.ownerID != nil {
		conds = append(conds, "b.owner_id = ?")
		args = append(args, *f.ownerID)
	}
	if f.keyword != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.keyword)) + "%"
		conds = append(conds, `(LOWER(b.title) LIKE ? ESCAPE '\' OR LOWER(b.isbn) LIKE ? ESCAPE '\' OR LOWER(b.author) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func listBooks(ctx context.Context, q database.Querier, f filter, page paging.Page) ([]Book, error) {
	where, args := f.where()
	clause, pageArgs := page.Clause()
	query := q.Rebind(`SELECT ` + bookColumns + ` FROM books b` + where + clause)
	var out []Book
	if err := sqlx.SelectContext(ctx, q, &out, query, append(args, pageArgs...)...); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return out, nil
}

func updateBook(ctx context.Context, q database.Querier, id int64, upd Update) error {
	cols, args := upd.assignments()
	if len(cols) == 0 {
		return nil
	}
	cols = append(cols, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)
	if _, err := q.ExecContext(ctx, q.Rebind(`UPDATE books SET `+strings.Join(cols, ", ")+` WHERE id = ?`), args...); err != nil {
		return fmt.Errorf("update book %d: %w", id, err)
	}
	return nil
}

func deleteBook(ctx context.Context, q database.Querier, id int64) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM books WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete book %d: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("book", id)
	}
	return nil
}
