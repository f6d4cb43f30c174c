// internal/apperr/apperr_test.go
package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("load book: %w", NotFound("book", 7))

	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindForbidden))
	assert.Contains(t, err.Error(), "book 7 not found")
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestDatabaseKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Database("abc", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "abc", err.CorrelationID)
	assert.Equal(t, "database", err.Kind.String())
}
