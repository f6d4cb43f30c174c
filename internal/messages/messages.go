// internal/messages/messages.go

// Package messages lets the two sides of a loan request talk to each other.
// Every call resolves the request first and checks the caller takes part in
// it before the message table is touched.
package messages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"bookshare/internal/apperr"
	"bookshare/internal/database"
	"bookshare/internal/loans"
	"bookshare/internal/paging"
	"bookshare/internal/policy"
)

// Message is one entry in a request's conversation.
type Message struct {
	ID         int64     `db:"id" json:"ID"`
	Message    string    `db:"message" json:"message"`
	SenderID   int64     `db:"sender_id" json:"senderID"`
	ReceiverID int64     `db:"receiver_id" json:"receiverID"`
	RequestID  int64     `db:"request_id" json:"requestID"`
	CreatedAt  time.Time `db:"created_at" json:"dateCreated"`
}

// NewMessage is the body of POST /messages. Sender and receiver follow from
// the caller and the request; if given they must agree.
type NewMessage struct {
	Message    string `json:"message" validate:"required,max=4096"`
	RequestID  int64  `json:"requestID" validate:"required,gte=1"`
	SenderID   int64  `json:"senderID" validate:"gte=0"`
	ReceiverID int64  `json:"receiverID" validate:"gte=0"`
}

// OrderColumns maps the public order keys of message lists to columns.
var OrderColumns = map[string]string{
	"ID":          "id",
	"dateCreated": "created_at",
}

// Service defines the interface for the messages service.
type Service interface {
	Create(ctx context.Context, actor policy.Actor, nm NewMessage) (*Message, error)
	ListByRequest(ctx context.Context, actor policy.Actor, requestID int64, page paging.Page) (paging.Result[Message], error)
}

type service struct {
	gw     *database.Gateway
	logger *slog.Logger
}

// NewService creates a new messages service instance.
func NewService(gw *database.Gateway, logger *slog.Logger) Service {
	return &service{gw: gw, logger: logger}
}

func (s *service) Create(ctx context.Context, actor policy.Actor, nm NewMessage) (*Message, error) {
	var msg *Message
	err := s.gw.WithinTx(ctx, "messages.create", func(ctx context.Context, q database.Querier) error {
		req, err := loans.Get(ctx, q, nm.RequestID)
		if err != nil {
			return err
		}
		if err := policy.MessageWrite(actor, req).Err(); err != nil {
			return err
		}

		receiver := req.BookOwnerID
		if actor.ID == req.BookOwnerID {
			receiver = req.RequesterID
		}
		if nm.SenderID != 0 && nm.SenderID != actor.ID {
			return apperr.Validation("senderID must be the authenticated user",
				apperr.FieldError{Field: "senderID", Rule: "eqactor", Message: "must be the authenticated user"})
		}
		if nm.ReceiverID != 0 && nm.ReceiverID != receiver {
			return apperr.Validation("receiverID must be the other side of the request",
				apperr.FieldError{Field: "receiverID", Rule: "participant", Message: "must be the other side of the request"})
		}

		var id int64
		err = q.QueryRowxContext(ctx, q.Rebind(`
			INSERT INTO messages (message, sender_id, receiver_id, request_id)
			VALUES (?, ?, ?, ?)
			RETURNING id
		`), nm.Message, actor.ID, receiver, req.ID).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert message on request %d: %w", req.ID, err)
		}

		msg = &Message{}
		if err := sqlx.GetContext(ctx, q, msg, q.Rebind(`
			SELECT id, message, sender_id, receiver_id, request_id, created_at FROM messages WHERE id = ?
		`), id); err != nil {
			return fmt.Errorf("get message %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "message sent", "message_id", msg.ID, "request_id", msg.RequestID)
	return msg, nil
}

// ListByRequest pages through a request's messages, oldest first unless the
// page says otherwise.
func (s *service) ListByRequest(ctx context.Context, actor policy.Actor, requestID int64, page paging.Page) (paging.Result[Message], error) {
	var rows []Message
	err := s.gw.Do(ctx, "messages.list", func(ctx context.Context, q database.Querier) error {
		req, err := loans.Get(ctx, q, requestID)
		if err != nil {
			return err
		}
		if err := policy.MessageRead(actor, req).Err(); err != nil {
			return err
		}

		clause, args := page.Clause()
		err = sqlx.SelectContext(ctx, q, &rows, q.Rebind(`
			SELECT id, message, sender_id, receiver_id, request_id, created_at
			FROM messages WHERE request_id = ?`+clause),
			append([]interface{}{requestID}, args...)...,
		)
		if err != nil {
			return fmt.Errorf("list messages of request %d: %w", requestID, err)
		}
		return nil
	})
	if err != nil {
		return paging.Result[Message]{}, err
	}
	return paging.Trim(rows, page), nil
}
