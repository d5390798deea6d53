package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/events"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/internal/passphrase"
	"github.com/jaywantadh/disktrolink/internal/share"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// memOpener serves manifests whose single object id is a key in files.
type memOpener struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  error
}

func (m *memOpener) Open(man metadata.Manifest) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return io.NopCloser(errReader{m.fail}), nil
	}
	return io.NopCloser(bytes.NewReader(m.files[man.Chunks[0].ObjectID])), nil
}

func (m *memOpener) Purge(metadata.Manifest) error { return nil }

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// brokenWriter accepts limit bytes and then fails.
type brokenWriter struct {
	limit int
	buf   bytes.Buffer
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	room := w.limit - w.buf.Len()
	if room <= 0 {
		return 0, errors.New("connection reset")
	}
	if len(p) > room {
		w.buf.Write(p[:room])
		return room, errors.New("connection reset")
	}
	return w.buf.Write(p)
}

type fixture struct {
	gate     *Gate
	registry *share.Registry
	opener   *memOpener
	hub      *events.Hub
	hasher   passphrase.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meta, err := metadata.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	opener := &memOpener{files: make(map[string][]byte)}
	hasher := passphrase.NewBcrypt(bcrypt.MinCost)
	hub := events.NewHub(64)
	registry := share.NewRegistry(meta, opener, share.WithLogger(logging.Discard()))
	g := New(registry, opener,
		WithHasher(hasher),
		WithPublisher(hub),
		WithLogger(logging.Discard()),
	)
	return &fixture{gate: g, registry: registry, opener: opener, hub: hub, hasher: hasher}
}

func (f *fixture) publish(t *testing.T, name string, data []byte, pass string, oneTime bool) string {
	t.Helper()
	req := share.RegisterRequest{
		FileName:  name,
		SizeBytes: int64(len(data)),
		OneTime:   oneTime,
		Manifest: metadata.Manifest{
			TotalBytes: int64(len(data)),
			Chunks:     []metadata.ChunkRef{{Index: 0, ObjectID: name, Size: int64(len(data))}},
		},
	}
	if pass != "" {
		hash, err := f.hasher.Hash(pass)
		require.NoError(t, err)
		req.PassphraseHash = hash
	}
	f.opener.mu.Lock()
	f.opener.files[name] = data
	f.opener.mu.Unlock()

	entry, err := f.registry.Register(context.Background(), req)
	require.NoError(t, err)
	return entry.Code
}

func TestPassphraseMatrix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	protected := f.publish(t, "secret.txt", []byte("classified"), "hunter2", false)
	open := f.publish(t, "open.txt", []byte("public"), "", false)

	tests := []struct {
		name    string
		code    string
		pass    string
		wantErr error
	}{
		{"protected without passphrase", protected, "", errs.ErrAuthRequired},
		{"protected with wrong passphrase", protected, "hunter3", errs.ErrAuthInvalid},
		{"protected with right passphrase", protected, "hunter2", nil},
		{"unprotected ignores passphrase", open, "whatever", nil},
		{"unprotected without passphrase", open, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.gate.Retrieve(ctx, tt.code, tt.pass)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, d)
				return
			}
			require.NoError(t, err)
			var buf bytes.Buffer
			_, err = d.Deliver(&buf)
			require.NoError(t, err)
			assert.EqualValues(t, d.Size, buf.Len())
		})
	}

	_, err := f.gate.Retrieve(ctx, protected, "")
	assert.ErrorIs(t, err, errs.ErrAuthRequired, "failed attempts leave the entry untouched")
}

func TestOneTimeDeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.publish(t, "once.bin", []byte("exactly once"), "", true)

	sub := f.hub.Subscribe(code)
	defer f.hub.Unsubscribe(sub)

	d, err := f.gate.Retrieve(ctx, code, "")
	require.NoError(t, err)
	var buf bytes.Buffer
	n, err := d.Deliver(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 12, n)
	assert.Equal(t, "exactly once", buf.String())

	_, err = f.gate.Retrieve(ctx, code, "")
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)

	var seen []events.EventType
	for len(sub.C) > 0 {
		seen = append(seen, (<-sub.C).Type)
	}
	assert.Equal(t, []events.EventType{
		events.EventDownloadStarted,
		events.EventConsumed,
		events.EventDownloadComplete,
	}, seen)
}

func TestConcurrentOneTimeRetrieval(t *testing.T) {
	f := newFixture(t)
	code := f.publish(t, "race.bin", []byte("only one of you gets this"), "", true)

	var (
		wins  atomic.Int32
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := f.gate.Retrieve(context.Background(), code, "")
			if err != nil {
				if !errors.Is(err, errs.ErrNotFoundOrExpired) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if _, err := d.Deliver(io.Discard); err != nil {
				t.Errorf("deliver: %v", err)
				return
			}
			wins.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	_, err := f.gate.Retrieve(context.Background(), code, "")
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
}

func TestPairwiseOneTimeRaceRepeated(t *testing.T) {
	f := newFixture(t)

	for round := 0; round < 100; round++ {
		code := f.publish(t, fmt.Sprintf("pair-%d.bin", round), []byte("contested"), "", true)

		var (
			wins  atomic.Int32
			wg    sync.WaitGroup
			start = make(chan struct{})
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				d, err := f.gate.Retrieve(context.Background(), code, "")
				if err != nil {
					if !errors.Is(err, errs.ErrNotFoundOrExpired) {
						t.Errorf("round %d: unexpected error: %v", round, err)
					}
					return
				}
				if _, err := d.Deliver(io.Discard); err == nil {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, wins.Load(), "round %d", round)
	}
}

func TestFailureBeforeFirstByteReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.publish(t, "flaky.bin", []byte("payload"), "", true)

	f.opener.fail = errors.New("disk on fire")
	d, err := f.gate.Retrieve(ctx, code, "")
	require.NoError(t, err)
	n, err := d.Deliver(io.Discard)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, errs.ErrTransferInterrupted)

	f.opener.fail = nil
	d, err = f.gate.Retrieve(ctx, code, "")
	require.NoError(t, err, "entry stays retrievable after a zero-byte failure")
	var buf bytes.Buffer
	_, err = d.Deliver(&buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", buf.String())
}

func TestPartialDeliveryConsumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.publish(t, "partial.bin", bytes.Repeat([]byte("x"), 100), "", true)

	d, err := f.gate.Retrieve(ctx, code, "")
	require.NoError(t, err)
	n, err := d.Deliver(&brokenWriter{limit: 5})
	assert.EqualValues(t, 5, n)
	assert.ErrorIs(t, err, errs.ErrTransferInterrupted)

	_, err = f.gate.Retrieve(ctx, code, "")
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
}

func TestCloseReleasesUndeliveredClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.publish(t, "abandoned.bin", []byte("still here"), "", true)

	d, err := f.gate.Retrieve(ctx, code, "")
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	d, err = f.gate.Retrieve(ctx, code, "")
	require.NoError(t, err)
	defer d.Close()
}

func TestReusableShareCountsDownloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.publish(t, "multi.bin", []byte("again and again"), "", false)

	for i := 0; i < 3; i++ {
		d, err := f.gate.Retrieve(ctx, code, "")
		require.NoError(t, err)
		_, err = d.Deliver(io.Discard)
		require.NoError(t, err)
	}
	entry, err := f.registry.Lookup(code)
	require.NoError(t, err)
	assert.EqualValues(t, 3, entry.DownloadCount)
}

func TestDescribeDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.publish(t, "peek.bin", []byte("look"), "pw", true)

	for i := 0; i < 2; i++ {
		entry, err := f.gate.Describe(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, "peek.bin", entry.FileName)
		assert.True(t, entry.Protected())
	}
}
