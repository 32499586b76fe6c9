package flagstore

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func testFlagStore(t *testing.T, fs FlagStore) {
	assert := assert.New(t)
	ctx := context.Background()

	l, err := fs.Get(ctx, "user-1")
	assert.NoError(err)
	assert.Empty(l)

	assert.NoError(fs.Remove(ctx, "user-1", []string{"one"}))
	assert.NoError(fs.Add(ctx, "user-1", []string{"one", "two"}))
	assert.NoError(fs.Add(ctx, "user-1", []string{"one"}))

	l, err = fs.Get(ctx, "user-1")
	assert.NoError(err)
	assert.Equal([]string{"one", "two"}, l)

	assert.NoError(fs.Remove(ctx, "user-1", []string{"one", "missing"}))
	l, err = fs.Get(ctx, "user-1")
	assert.NoError(err)
	assert.Equal([]string{"two"}, l)

	assert.NoError(fs.Remove(ctx, "user-1", []string{"two"}))
	l, err = fs.Get(ctx, "user-1")
	assert.NoError(err)
	assert.Empty(l)
}

func TestMemFlagStoreBasics(t *testing.T) {
	testFlagStore(t, NewMemFlagStore())
}

func TestRedisFlagStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")

	opt, err := redis.ParseURL("redis://localhost:6379/0")
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	rdb.Del(context.Background(), redisFlagPrefix+"user-1")
	testFlagStore(t, NewRedisFlagStore(rdb))
}
