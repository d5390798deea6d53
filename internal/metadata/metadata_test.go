package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *MetadataStore {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionCRUD(t *testing.T) {
	store := openTestStore(t)

	rec := SessionRecord{
		Key:         "k1",
		FileName:    "testfile.txt",
		TotalChunks: 2,
		TotalBytes:  12345,
		Received:    []bool{true, false},
		Chunks:      []ChunkRef{{Index: 0, ObjectID: "k1-0", Size: 10000}},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.PutSession(rec))

	got, err := store.GetSession("k1")
	require.NoError(t, err)
	require.Equal(t, rec.FileName, got.FileName)
	require.Equal(t, 1, got.ReceivedCount())
	require.False(t, got.Complete())

	all, err := store.ListSessions()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.DeleteSession("k1"))
	_, err = store.GetSession("k1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.DeleteSession("k1"), ErrNotFound)
}

func TestCreateShareRespectsLiveHolder(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	live := func(e ShareEntry) bool { return e.Live(now) }

	first := ShareEntry{Code: "ABC234", FileName: "a.txt", State: StateAvailable}
	displaced, err := store.CreateShare(first, live)
	require.NoError(t, err)
	require.Nil(t, displaced)

	_, err = store.CreateShare(ShareEntry{Code: "ABC234", FileName: "b.txt", State: StateAvailable}, live)
	require.ErrorIs(t, err, ErrCodeTaken)

	// Consume it; the code becomes reusable and the dead holder is returned.
	_, err = store.UpdateShare("ABC234", func(e *ShareEntry) error {
		e.State = StateConsumed
		return nil
	})
	require.NoError(t, err)

	displaced, err = store.CreateShare(ShareEntry{Code: "ABC234", FileName: "c.txt", State: StateAvailable}, live)
	require.NoError(t, err)
	require.NotNil(t, displaced)
	require.Equal(t, "a.txt", displaced.FileName)

	got, err := store.GetShare("ABC234")
	require.NoError(t, err)
	require.Equal(t, "c.txt", got.FileName)
}

func TestUpdateShareAbortsOnError(t *testing.T) {
	store := openTestStore(t)
	_, err := store.CreateShare(ShareEntry{Code: "XYZ789", State: StateAvailable}, func(ShareEntry) bool { return true })
	require.NoError(t, err)

	_, err = store.UpdateShare("XYZ789", func(e *ShareEntry) error {
		e.State = StateClaimed
		return ErrCodeTaken
	})
	require.ErrorIs(t, err, ErrCodeTaken)

	got, err := store.GetShare("XYZ789")
	require.NoError(t, err)
	require.Equal(t, StateAvailable, got.State)

	_, err = store.UpdateShare("missing", func(*ShareEntry) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestShareExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	require.True(t, (&ShareEntry{ExpiresAt: &past}).Expired(now))
	require.False(t, (&ShareEntry{ExpiresAt: &future}).Expired(now))
	require.False(t, (&ShareEntry{}).Expired(now))
	require.False(t, (&ShareEntry{State: StateConsumed}).Live(now))
	require.True(t, (&ShareEntry{State: StateClaimed}).Live(now))
}

func TestStorageSaltIsStable(t *testing.T) {
	store := openTestStore(t)
	calls := 0
	gen := func() ([]byte, error) {
		calls++
		return []byte("0123456789abcdef"), nil
	}

	a, err := store.StorageSalt(gen)
	require.NoError(t, err)
	b, err := store.StorageSalt(gen)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, 1, calls)
}
