package local_test

import (
	"context"
	"testing"

	"github.com/duralog/duralog/pkg/store"
	"github.com/duralog/duralog/pkg/store/local"
	storeparams "github.com/duralog/duralog/pkg/store/params"
	"github.com/duralog/duralog/pkg/store/storetest"
)

func TestLocalStore(t *testing.T) {
	storetest.DriverTest(t, func(t testing.TB, ctx context.Context) store.Store {
		t.Helper()
		s, err := store.Open(ctx, storeparams.Store{
			Type: local.DriverName,
			Local: &storeparams.Local{
				Path: t.TempDir(),
			},
		})
		if err != nil {
			t.Fatalf("failed to open '%s' store: %s", local.DriverName, err)
		}
		t.Cleanup(s.Close)
		return s
	})
}
