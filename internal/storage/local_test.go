package storage

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoragePutGetDelete(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	n, err := store.Put("abc-0", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	rc, err := store.Get("abc-0")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "hello", string(got))

	// Overwrite replaces content.
	_, err = store.Put("abc-0", bytes.NewReader([]byte("bye")))
	require.NoError(t, err)
	rc, err = store.Get("abc-0")
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "bye", string(got))

	require.NoError(t, store.Delete("abc-0"))
	_, err = store.Get("abc-0")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Delete("abc-0"), ErrNotFound)
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../etc/passwd", "a/b", `a\b`, ".hidden"} {
		_, err := store.Put(id, bytes.NewReader(nil))
		require.Error(t, err, "id %q", id)
	}
}
