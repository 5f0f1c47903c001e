package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := New(db)

	t.Run("Get missing key", func(t *testing.T) {
		mock.ExpectGet("balance:u1").RedisNil()
		_, err := c.Get(ctx, "balance:u1")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("Get", func(t *testing.T) {
		mock.ExpectGet("balance:u1").SetVal("120.50")
		v, err := c.Get(ctx, "balance:u1")
		assert.NoError(t, err)
		assert.Equal(t, "120.50", v)
	})

	t.Run("SetNX", func(t *testing.T) {
		mock.ExpectSetNX("idem:k1", "1", time.Hour).SetVal(true)
		mock.ExpectSetNX("idem:k1", "1", time.Hour).SetVal(false)

		ok, err := c.SetNX(ctx, "idem:k1", "1", time.Hour)
		assert.NoError(t, err)
		assert.True(t, ok)
		ok, err = c.SetNX(ctx, "idem:k1", "1", time.Hour)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Del error", func(t *testing.T) {
		mock.ExpectDel("balance:u1").SetErr(errors.New("down"))
		assert.Error(t, c.Del(ctx, "balance:u1"))
	})

	t.Run("Exists", func(t *testing.T) {
		mock.ExpectExists("revoked:tok").SetVal(1)
		ok, err := c.Exists(ctx, "revoked:tok")
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
