// internal/users/domain.go
package users

import (
	"time"
)

// User is a bookshare account.
type User struct {
	ID           int64     `db:"id" json:"ID"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	PasswordSalt string    `db:"password_salt" json:"-"`
	FullName     string    `db:"full_name" json:"fullName"`
	Email        string    `db:"email" json:"email"`
	Country      string    `db:"country" json:"country"`
	City         string    `db:"city" json:"city"`
	Postcode     string    `db:"postcode" json:"postcode"`
	Address      string    `db:"address" json:"address"`
	CreatedAt    time.Time `db:"created_at" json:"dateCreated"`
	UpdatedAt    time.Time `db:"updated_at" json:"dateModified"`
}

// Registration is the body of a sign-up.
type Registration struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=6,max=128"`
	FullName string `json:"fullName" validate:"max=128"`
	Email    string `json:"email" validate:"required,email"`
	Country  string `json:"country" validate:"max=64"`
	City     string `json:"city" validate:"max=64"`
	Postcode string `json:"postcode" validate:"max=16"`
	Address  string `json:"address" validate:"max=256"`
}

// Update lists every field a user may change on their own account. Nil
// pointers are left untouched; anything else in a request body is ignored.
type Update struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=32,alphanum"`
	FullName *string `json:"fullName" validate:"omitempty,max=128"`
	Email    *string `json:"email" validate:"omitempty,email"`
	Country  *string `json:"country" validate:"omitempty,max=64"`
	City     *string `json:"city" validate:"omitempty,max=64"`
	Postcode *string `json:"postcode" validate:"omitempty,max=16"`
	Address  *string `json:"address" validate:"omitempty,max=256"`
}

func (u Update) assignments() ([]string, []interface{}) {
	var cols []string
	var args []interface{}
	add := func(col string, v *string) {
		if v != nil {
			cols = append(cols, col+" = ?")
			args = append(args, *v)
		}
	}
	add("username", u.Username)
	add("full_name", u.FullName)
	add("email", u.Email)
	add("country", u.Country)
	add("city", u.City)
	add("postcode", u.Postcode)
	add("address", u.Address)
	return cols, args
}
