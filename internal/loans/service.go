// internal/loans/service.go
package loans

import (
	"context"

	"bookshare/internal/eventstore"
	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

// Service is the loan lifecycle coordinator. Each operation runs in one
// transaction so a book and its request always change together.
type Service interface {
	CreateRequest(ctx context.Context, actor policy.Actor, nr NewRequest) (Outcome, error)
	UpdateBookStatus(ctx context.Context, actor policy.Actor, bookID int64, status string) (bool, error)
	ArchiveRequest(ctx context.Context, actor policy.Actor, requestID int64) (bool, error)
	DeleteRequest(ctx context.Context, actor policy.Actor, requestID int64) error
	Get(ctx context.Context, actor policy.Actor, requestID int64) (*Request, error)
	ListByUser(ctx context.Context, actor policy.Actor, userID int64, page paging.Page) (paging.Result[Request], error)
	History(ctx context.Context, actor policy.Actor, requestID int64) ([]eventstore.Event, error)
}
