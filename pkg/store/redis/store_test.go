package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/duralog/duralog/pkg/store"
	storeparams "github.com/duralog/duralog/pkg/store/params"
	"github.com/duralog/duralog/pkg/store/redis"
	"github.com/duralog/duralog/pkg/store/storetest"
)

func testRedisURI() string {
	return os.Getenv("REDIS_TEST_URI")
}

func TestRedisStore(t *testing.T) {
	redisAddr := testRedisURI()
	if redisAddr == "" {
		t.Skip("REDIS_TEST_URI not set")
	}
	storetest.DriverTest(t, func(t testing.TB, ctx context.Context) store.Store {
		t.Helper()
		s, err := store.Open(ctx, storeparams.Store{
			Type: redis.DriverName,
			Redis: &storeparams.Redis{
				Address:   redisAddr,
				KeyPrefix: "storetest:",
			},
		})
		if err != nil {
			t.Fatalf("failed to open '%s' store: %s", redis.DriverName, err)
		}
		t.Cleanup(s.Close)
		return s
	})
}
