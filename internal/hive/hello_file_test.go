package hive

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memhive/memhive/internal/storage"
	"github.com/memhive/memhive/pkg/hamtmap"
)

// TestHelloFileScenario implements spec.md's hello-file scenario: the
// parent publishes a key through the shared map, a worker resolves that
// key through a Storage backend and writes to it, and the content is
// observable once the Hive (and therefore every worker) has fully closed.
func TestHelloFileScenario(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	h := New(testConfig())
	h.Set(hamtmap.NewStr("file"), hamtmap.NewStr("x"))

	_, err = h.AddWorker(context.Background(), func(ctx context.Context, sub *Sub) error {
		v, ok, err := sub.Get(hamtmap.NewStr("file"))
		if err != nil {
			return err
		}
		if !ok {
			return os.ErrNotExist
		}
		key, _ := v.Str()
		return store.Upload(ctx, key, strings.NewReader("hello!"))
	})
	require.NoError(t, err)

	require.NoError(t, h.Close(context.Background()))

	rc, err := store.Download(context.Background(), "x")
	require.NoError(t, err)
	defer rc.Close()

	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello!", string(content))
}
