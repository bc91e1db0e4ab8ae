package sqlstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenSQLiteMemory()
		require.NoError(t, err)
		return s
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}

func TestTranslate(t *testing.T) {
	assert.ErrorIs(t, translate(gorm.ErrRecordNotFound, "get"), store.ErrNotFound)
	assert.ErrorIs(t, translate(gorm.ErrDuplicatedKey, "create"), store.ErrConflict)
	assert.ErrorIs(t, translate(errors.New("UNIQUE constraint failed: approval_requests.pending_key"), "create"), store.ErrConflict)
	assert.NoError(t, translate(nil, "noop"))
}
