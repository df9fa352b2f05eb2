package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>page</html>")
	uri, err := store.PutObject(context.Background(), "raw/job-1/page-1.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/job-1/page-1.html", uri)

	payload[0] = 'X'
	got, contentType, ok := store.Object("raw/job-1/page-1.html")
	require.True(t, ok)
	require.Equal(t, "<html>page</html>", string(got))
	require.Equal(t, "text/html", contentType)
	require.Equal(t, []string{"raw/job-1/page-1.html"}, store.Paths())

	_, _, ok = store.Object("missing")
	require.False(t, ok)
}

func TestBlobStoreHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBlobStore().PutObject(ctx, "p", "text/html", bytes.NewReader(nil))
	require.ErrorIs(t, err, context.Canceled)
}
