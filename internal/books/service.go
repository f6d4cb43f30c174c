// internal/books/service.go
package books

import (
	"context"

	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

// Service defines the interface for the books service.
type Service interface {
	Create(ctx context.Context, actor policy.Actor, nb NewBook) (*Book, error)
	Get(ctx context.Context, id int64) (*Book, error)
	List(ctx context.Context, page paging.Page) (paging.Result[Book], error)
	ListByOwner(ctx context.Context, ownerID int64, page paging.Page) (paging.Result[Book], error)
	Search(ctx context.Context, keyword string, ownerID *int64, page paging.Page) (paging.Result[Book], error)
	Update(ctx context.Context, actor policy.Actor, id int64, upd Update) error
	Delete(ctx context.Context, actor policy.Actor, id int64) error
}
