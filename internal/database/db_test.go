package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
)

var (
	_ backend.Store     = (*Store)(nil)
	_ backend.UserStore = (*Store)(nil)
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.True(t, apperr.Is(classify("op", sql.ErrNoRows), apperr.KindNotFound))

	dup := &mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}
	err := classify("create channel", dup)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.ErrorIs(t, err, dup)

	assert.True(t, apperr.Is(classify("op", errors.New("connection refused")), apperr.KindTransient))
	assert.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
	assert.False(t, apperr.Is(classify("op", context.Canceled), apperr.KindTransient))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
	assert.Equal(t, []any{"a", "b"}, stringArgs([]string{"a", "b"}))
}
