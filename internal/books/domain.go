// internal/books/domain.go
package books

import (
	"strings"
	"time"
)

// Book statuses. A book is Available exactly when it has no request.
const (
	StatusAvailable = "Available"
	StatusRequested = "Requested"
	StatusOnLoan    = "On Loan"
)

// Book represents a book listed by its owner.
type Book struct {
	ID            int64     `db:"id" json:"ID"`
	Title         string    `db:"title" json:"title"`
	Author        string    `db:"author" json:"author"`
	Summary       string    `db:"summary" json:"summary"`
	YearPublished int       `db:"year_published" json:"yearPublished"`
	ISBN          string    `db:"isbn" json:"ISBN"`
	Images        string    `db:"images" json:"images"`
	OwnerID       int64     `db:"owner_id" json:"ownerID"`
	RequestID     *int64    `db:"request_id" json:"requestID"`
	Status        string    `db:"status" json:"status"`
	Version       int       `db:"version" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"dateCreated"`
	UpdatedAt     time.Time `db:"updated_at" json:"dateModified"`
	OwnerUsername string    `db:"owner_username" json:"ownerUsername,omitempty"`
}

// Owner implements policy.Owned.
func (b *Book) Owner() int64 { return b.OwnerID }

// ImageNames splits the stored image list.
func (b *Book) ImageNames() []string {
	if b.Images == "" {
		return nil
	}
	return strings.Split(b.Images, imageSeparator)
}

const imageSeparator = ";"

// JoinImages is the stored form of a list of image names.
func JoinImages(names []string) string {
	return strings.Join(names, imageSeparator)
}

// NewBook is the body of a book listing. The owner is always the caller.
type NewBook struct {
	Title         string   `json:"title" validate:"required,max=256"`
	Author        string   `json:"author" validate:"max=256"`
	Summary       string   `json:"summary" validate:"max=4096"`
	YearPublished int      `json:"yearPublished" validate:"gte=0,lte=9999"`
	ISBN          string   `json:"ISBN" validate:"max=32"`
	Images        []string `json:"-"`
}

// Update lists the book fields an owner may change. Status, owner and
// request are driven by the loan lifecycle and cannot be set here.
type Update struct {
	Title         *string  `json:"title" validate:"omitempty,min=1,max=256"`
	Author        *string  `json:"author" validate:"omitempty,max=256"`
	Summary       *string  `json:"summary" validate:"omitempty,max=4096"`
	YearPublished *int     `json:"yearPublished" validate:"omitempty,gte=0,lte=9999"`
	ISBN          *string  `json:"ISBN" validate:"omitempty,max=32"`
	Images        []string `json:"-"`
}

func (u Update) assignments() ([]string, []interface{}) {
	var cols []string
	var args []interface{}
	set := func(col string, v interface{}) {
		cols = append(cols, col+" = ?")
		args = append(args, v)
	}
	if u.Title != nil {
		set("title", *u.Title)
	}
	if u.Author != nil {
		set("author", *u.Author)
	}
	if u.Summary != nil {
		set("summary", *u.Summary)
	}
	if u.YearPublished != nil {
		set("year_published", *u.YearPublished)
	}
	if u.ISBN != nil {
		set("isbn", *u.ISBN)
	}
	if len(u.Images) > 0 {
		set("images", JoinImages(u.Images))
	}
	return cols, args
}

// OrderColumns maps the public order keys of book lists to columns.
var OrderColumns = map[string]string{
	"ID":            "id",
	"dateCreated":   "created_at",
	"dateModified":  "updated_at",
	"title":         "title",
	"author":        "author",
	"yearPublished": "year_published",
	"status":        "status",
}
