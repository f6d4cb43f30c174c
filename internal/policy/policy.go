// internal/policy/policy.go

// Package policy decides whether an actor may act on a book, loan request,
// message thread or user account. Every function is pure: callers load the
// resource first and pass it in.
package policy

import "bookshare/internal/apperr"

// Actor is the authenticated user making a call.
type Actor struct {
	ID       int64
	Username string
}

// Decision is the outcome of a permission check.
type Decision struct {
	Granted bool
	Reason  string
}

func grant() Decision { return Decision{Granted: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Err returns nil for a granted decision and a Forbidden error otherwise.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return apperr.Forbidden(d.Reason)
}

// Owned is anything with an owning user, such as a book.
type Owned interface {
	Owner() int64
}

// Participants exposes the two sides of a loan request.
type Participants interface {
	Requester() int64
	BookOwner() int64
}

// IsParticipant reports whether the actor is the requester or the book owner.
func IsParticipant(a Actor, p Participants) bool {
	return a.ID == p.Requester() || a.ID == p.BookOwner()
}

func BookUpdate(a Actor, book Owned) Decision {
	if a.ID == book.Owner() {
		return grant()
	}
	return deny("only the book owner may update this book")
}

func BookDelete(a Actor, book Owned) Decision {
	if a.ID == book.Owner() {
		return grant()
	}
	return deny("only the book owner may delete this book")
}

// RequestReadByUser guards listing every request a user takes part in.
func RequestReadByUser(a Actor, userID int64) Decision {
	if a.ID == userID {
		return grant()
	}
	return deny("requests can only be listed by their user")
}

func RequestRead(a Actor, r Participants) Decision {
	if IsParticipant(a, r) {
		return grant()
	}
	return deny("only request participants may read this request")
}

func RequestUpdate(a Actor, r Participants) Decision {
	if IsParticipant(a, r) {
		return grant()
	}
	return deny("only request participants may update this request")
}

func RequestDelete(a Actor, r Participants) Decision {
	if a.ID == r.Requester() {
		return grant()
	}
	return deny("only the requester may cancel this request")
}

func MessageRead(a Actor, r Participants) Decision {
	if IsParticipant(a, r) {
		return grant()
	}
	return deny("only request participants may read its messages")
}

func MessageWrite(a Actor, r Participants) Decision {
	if IsParticipant(a, r) {
		return grant()
	}
	return deny("only request participants may send messages")
}

func UserRead(a Actor, userID int64) Decision {
	if a.ID == userID {
		return grant()
	}
	return deny("users may only read their own account")
}

// UserUpdate grants self-updates. The settable fields are fixed by the update
// DTO in the users package; nothing else reaches the store.
func UserUpdate(a Actor, userID int64) Decision {
	if a.ID == userID {
		return grant()
	}
	return deny("users may only update their own account")
}

func UserDelete(a Actor, userID int64) Decision {
	if a.ID == userID {
		return grant()
	}
	return deny("users may only delete their own account")
}
