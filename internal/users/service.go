// internal/users/service.go
package users

import (
	"context"

	"bookshare/internal/policy"
)

// Service defines the interface for the users service.
type Service interface {
	Register(ctx context.Context, reg Registration) (*User, error)
	Authenticate(ctx context.Context, username, password string) (*User, error)
	Lookup(ctx context.Context, id int64) (*User, error)
	Get(ctx context.Context, actor policy.Actor, id int64) (*User, error)
	Update(ctx context.Context, actor policy.Actor, id int64, upd Update) error
	Delete(ctx context.Context, actor policy.Actor, id int64) error
}
