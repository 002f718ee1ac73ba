package mem_test

import (
	"context"
	"testing"

	"github.com/duralog/duralog/pkg/store"
	"github.com/duralog/duralog/pkg/store/mem"
	storeparams "github.com/duralog/duralog/pkg/store/params"
	"github.com/duralog/duralog/pkg/store/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.DriverTest(t, func(t testing.TB, ctx context.Context) store.Store {
		t.Helper()
		s, err := store.Open(ctx, storeparams.Store{Type: mem.DriverName})
		if err != nil {
			t.Fatalf("failed to open '%s' store: %s", mem.DriverName, err)
		}
		t.Cleanup(s.Close)
		return s
	})
}
