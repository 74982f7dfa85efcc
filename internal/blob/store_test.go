package blob

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/seal-protocol/internal/apperr"
	"github.com/seal-protocol/internal/db"
	"github.com/seal-protocol/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(gdb))
	return gdb
}

func TestPutAndGetRoundTrip(t *testing.T) {
	gdb := newTestDB(t)
	store := NewStore(gdb, zap.NewNop())
	ctx := context.Background()

	id, err := store.Put(ctx, []byte("%PDF-1.7 sample"), "application/pdf")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	content, contentType, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 sample"), content)
	assert.Equal(t, "application/pdf", contentType)
}

func TestPutReusesIdenticalContent(t *testing.T) {
	gdb := newTestDB(t)
	store := NewStore(gdb, zap.NewNop())
	ctx := context.Background()

	first, err := store.Put(ctx, []byte("same bytes"), "application/pdf")
	require.NoError(t, err)
	second, err := store.Put(ctx, []byte("same bytes"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int64
	require.NoError(t, gdb.Model(&models.DocumentBlob{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Different bytes get a fresh row.
	third, err := store.Put(ctx, []byte("other bytes"), "application/pdf")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestGetUnknownBlob(t *testing.T) {
	gdb := newTestDB(t)
	store := NewStore(gdb, zap.NewNop())

	_, _, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAttachSignature(t *testing.T) {
	gdb := newTestDB(t)
	store := NewStore(gdb, zap.NewNop())
	ctx := context.Background()

	id, err := store.Put(ctx, []byte("payload"), "application/pdf")
	require.NoError(t, err)

	require.NoError(t, store.AttachSignature(ctx, id, "deadbeef", "key-1"))

	var b models.DocumentBlob
	require.NoError(t, gdb.First(&b, "id = ?", id).Error)
	assert.Equal(t, "deadbeef", b.Signature)
	assert.Equal(t, "key-1", b.SignerKeyID)
}
