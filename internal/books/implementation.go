// internal/books/implementation.go
package books

import (
	"context"
	"log/slog"
	"strings"

	"bookshare/internal/apperr"
	"bookshare/internal/database"
	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

// service implements the Service interface.
type service struct {
	gw     *database.Gateway
	logger *slog.Logger
}

// NewService creates a new books service instance.
func NewService(gw *database.Gateway, logger *slog.Logger) Service {
	return &service{gw: gw, logger: logger}
}

// Create lists a new book owned by the actor. New books are always
// Available with no request.
func (s *service) Create(ctx context.Context, actor policy.Actor, nb NewBook) (*Book, error) {
	if strings.TrimSpace(nb.Title) == "" {
		return nil, apperr.Validation("title is required",
			apperr.FieldError{Field: "title", Rule: "required", Message: "is required"})
	}

	var book *Book
	err := s.gw.WithinTx(ctx, "books.create", func(ctx context.Context, q database.Querier) error {
		id, err := insertBook(ctx, q, actor.ID, nb)
		if err != nil {
			return err
		}
		book, err = Get(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "book created", "book_id", book.ID, "owner_id", actor.ID)
	return book, nil
}

func (s *service) Get(ctx context.Context, id int64) (*Book, error) {
	var book *Book
	err := s.gw.Do(ctx, "books.get", func(ctx context.Context, q database.Querier) error {
		var err error
		book, err = Get(ctx, q, id)
		return err
	})
	return book, err
}

func (s *service) List(ctx context.Context, page paging.Page) (paging.Result[Book], error) {
	return s.list(ctx, "books.list", filter{}, page)
}

func (s *service) ListByOwner(ctx context.Context, ownerID int64, page paging.Page) (paging.Result[Book], error) {
	return s.list(ctx, "books.list_by_owner", filter{ownerID: &ownerID}, page)
}

// Search matches keyword against title, ISBN and author, optionally within
// one owner's books. An empty keyword matches everything.
func (s *service) Search(ctx context.Context, keyword string, ownerID *int64, page paging.Page) (paging.Result[Book], error) {
	return s.list(ctx, "books.search", filter{ownerID: ownerID, keyword: strings.TrimSpace(keyword)}, page)
}

func (s *service) list(ctx context.Context, op string, f filter, page paging.Page) (paging.Result[Book], error) {
	var rows []Book
	err := s.gw.Do(ctx, op, func(ctx context.Context, q database.Querier) error {
		var err error
		rows, err = listBooks(ctx, q, f, page)
		return err
	})
	if err != nil {
		return paging.Result[Book]{}, err
	}
	return paging.Trim(rows, page), nil
}

// Update changes the allow-listed fields of a book the actor owns.
func (s *service) Update(ctx context.Context, actor policy.Actor, id int64, upd Update) error {
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return apperr.Validation("title cannot be empty",
			apperr.FieldError{Field: "title", Rule: "required", Message: "is required"})
	}
	return s.gw.WithinTx(ctx, "books.update", func(ctx context.Context, q database.Querier) error {
		book, err := GetForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if err := policy.BookUpdate(actor, book).Err(); err != nil {
			return err
		}
		return updateBook(ctx, q, id, upd)
	})
}

// Delete removes a book the actor owns. Its requests and their messages go
// with it.
func (s *service) Delete(ctx context.Context, actor policy.Actor, id int64) error {
	err := s.gw.WithinTx(ctx, "books.delete", func(ctx context.Context, q database.Querier) error {
		book, err := GetForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if err := policy.BookDelete(actor, book).Err(); err != nil {
			return err
		}
		return deleteBook(ctx, q, id)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "book deleted", "book_id", id, "owner_id", actor.ID)
	return nil
}
