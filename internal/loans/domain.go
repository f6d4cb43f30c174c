// internal/loans/domain.go
package loans

import (
	"time"
)

// Request statuses.
const (
	StatusOpen      = "Open"
	StatusAccepted  = "Accepted"
	StatusCompleted = "Completed"
)

// Reasons a request was not created. They are part of the response body.
const (
	InfoOwnBook          = "Can't request your own books"
	InfoAlreadyRequested = "Book already requested"
)

// Request is a user's request to borrow a book.
type Request struct {
	ID                    int64     `db:"id" json:"ID"`
	Title                 string    `db:"title" json:"title"`
	RequesterID           int64     `db:"requester_id" json:"requesterID"`
	BookID                int64     `db:"book_id" json:"bookID"`
	BookOwnerID           int64     `db:"book_owner_id" json:"bookOwnerID"`
	Status                string    `db:"status" json:"status"`
	IsArchivedByRequester bool      `db:"is_archived_by_requester" json:"isArchivedByRequester"`
	IsArchivedByReceiver  bool      `db:"is_archived_by_receiver" json:"isArchivedByReceiver"`
	CreatedAt             time.Time `db:"created_at" json:"dateCreated"`
	UpdatedAt             time.Time `db:"updated_at" json:"dateModified"`
	BookStatus            string    `db:"book_status" json:"bookStatus,omitempty"`
}

// Requester implements policy.Participants.
func (r *Request) Requester() int64 { return r.RequesterID }

// BookOwner implements policy.Participants.
func (r *Request) BookOwner() int64 { return r.BookOwnerID }

// NewRequest is the body of a borrow request. RequesterID may be omitted;
// when present it must name the caller.
type NewRequest struct {
	Title       string `json:"title" validate:"max=256"`
	RequesterID int64  `json:"requesterID" validate:"gte=0"`
	BookID      int64  `json:"bookID" validate:"required,gte=1"`
}

// Outcome reports what CreateRequest did. When Created is false, Info says
// why and nothing was written.
type Outcome struct {
	Created bool
	Info    string
	Request *Request
}

// StatusChange is the body of POST /books/status/{bookID}.
type StatusChange struct {
	Status string `json:"status" validate:"required"`
}

// OrderColumns maps the public order keys of request lists to columns.
var OrderColumns = map[string]string{
	"ID":           "id",
	"dateCreated":  "created_at",
	"dateModified": "updated_at",
	"status":       "status",
	"title":        "title",
}

// Loan event types recorded per request.
const (
	EventOpened    = "RequestOpened"
	EventAccepted  = "RequestAccepted"
	EventCompleted = "RequestCompleted"
	EventArchived  = "RequestArchived"
	EventCancelled = "RequestCancelled"
)

type openedData struct {
	BookID      int64 `json:"bookID"`
	RequesterID int64 `json:"requesterID"`
	BookOwnerID int64 `json:"bookOwnerID"`
}

type transitionData struct {
	BookID     int64  `json:"bookID"`
	From       string `json:"from"`
	To         string `json:"to"`
	BookStatus string `json:"bookStatus"`
}

type archivedData struct {
	Side string `json:"side"`
}

type cancelledData struct {
	BookID       int64 `json:"bookID"`
	BookReleased bool  `json:"bookReleased"`
}
