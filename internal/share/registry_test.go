package share

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

type recordingPurger struct {
	mu     sync.Mutex
	purged []metadata.Manifest
}

func (p *recordingPurger) Purge(m metadata.Manifest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, m)
	return nil
}

func (p *recordingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.purged)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sequence yields the given codes in order, then repeats the last one.
func sequence(codes ...string) CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *recordingPurger, *clock) {
	t.Helper()
	meta, err := metadata.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	purger := &recordingPurger{}
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clk.Now), WithLogger(logging.Discard())}
	return NewRegistry(meta, purger, append(base, opts...)...), purger, clk
}

func request(name string) RegisterRequest {
	return RegisterRequest{
		FileName:  name,
		SizeBytes: 42,
		Manifest: metadata.Manifest{
			TotalBytes: 42,
			Chunks:     []metadata.ChunkRef{{Index: 0, ObjectID: name + "-0", Size: 42}},
		},
	}
}

func TestRandomCodesUseAlphabet(t *testing.T) {
	gen := RandomCodes(6)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := gen()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, c := range code {
			assert.True(t, strings.ContainsRune(Alphabet, c), "unexpected rune %q", c)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestRegisterRegeneratesOnCollision(t *testing.T) {
	reg, _, _ := newTestRegistry(t, WithCodeGenerator(sequence("AAAAAA", "AAAAAA", "BBBBBB")))
	ctx := context.Background()

	first, err := reg.Register(ctx, request("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)

	second, err := reg.Register(ctx, request("b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.Code)

	got, err := reg.Resolve(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.FileName)
}

func TestRegisterGivesUpWhenCodeSpaceExhausted(t *testing.T) {
	reg, _, _ := newTestRegistry(t, WithCodeGenerator(sequence("AAAAAA")), WithAttempts(4))
	ctx := context.Background()

	_, err := reg.Register(ctx, request("a.txt"))
	require.NoError(t, err)

	_, err = reg.Register(ctx, request("b.txt"))
	assert.ErrorIs(t, err, errs.ErrCodeSpaceExhausted)
}

func TestRegisterReusesCodeOfExpiredEntry(t *testing.T) {
	reg, purger, clk := newTestRegistry(t, WithCodeGenerator(sequence("AAAAAA")))
	ctx := context.Background()

	req := request("old.txt")
	req.TTL = time.Minute
	_, err := reg.Register(ctx, req)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	fresh, err := reg.Register(ctx, request("new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", fresh.Code)
	assert.Equal(t, 1, purger.count(), "objects of the displaced entry are reclaimed")

	got, err := reg.Resolve(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", got.FileName)
}

func TestResolveHonoursTTL(t *testing.T) {
	reg, purger, clk := newTestRegistry(t)
	ctx := context.Background()

	req := request("ttl.bin")
	req.TTL = 10 * time.Second
	entry, err := reg.Register(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)

	clk.Advance(10*time.Second - time.Millisecond)
	_, err = reg.Resolve(ctx, entry.Code)
	require.NoError(t, err, "still live just before expiry")

	clk.Advance(2 * time.Millisecond)
	_, err = reg.Resolve(ctx, entry.Code)
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
	assert.Equal(t, 1, purger.count(), "expired entry removed on resolve")

	_, err = reg.Lookup(entry.Code)
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
}

func TestResolveUnknownCode(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Resolve(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
}

func TestClaimLifecycle(t *testing.T) {
	reg, purger, _ := newTestRegistry(t)
	ctx := context.Background()

	req := request("once.bin")
	req.OneTime = true
	entry, err := reg.Register(ctx, req)
	require.NoError(t, err)

	token, err := reg.Claim(entry.Code)
	require.NoError(t, err)

	_, err = reg.Resolve(ctx, entry.Code)
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired, "claimed entries are hidden")

	assert.ErrorIs(t, reg.Release(entry.Code, "someone-else"), ErrNotClaimed)
	require.NoError(t, reg.Release(entry.Code, token))

	_, err = reg.Resolve(ctx, entry.Code)
	require.NoError(t, err, "released entry is available again")

	token, err = reg.Claim(entry.Code)
	require.NoError(t, err)
	require.NoError(t, reg.MarkConsumed(entry.Code, token))
	assert.Equal(t, 1, purger.count())

	_, err = reg.Resolve(ctx, entry.Code)
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
	_, err = reg.Claim(entry.Code)
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	req := request("race.bin")
	req.OneTime = true
	entry, err := reg.Register(context.Background(), req)
	require.NoError(t, err)

	var (
		wins   atomic.Int32
		losses atomic.Int32
		wg     sync.WaitGroup
		start  = make(chan struct{})
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := reg.Claim(entry.Code)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, errs.ErrNotFoundOrExpired):
				losses.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 99, losses.Load())
}

func TestSweepExpired(t *testing.T) {
	reg, purger, clk := newTestRegistry(t)
	ctx := context.Background()

	short := request("short.bin")
	short.TTL = time.Minute
	_, err := reg.Register(ctx, short)
	require.NoError(t, err)

	forever, err := reg.Register(ctx, request("forever.bin"))
	require.NoError(t, err)

	clk.Advance(time.Hour)
	removed, err := reg.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, purger.count())

	_, err = reg.Resolve(ctx, forever.Code)
	require.NoError(t, err)
}

func TestSweepLeavesInFlightClaims(t *testing.T) {
	reg, purger, clk := newTestRegistry(t)
	ctx := context.Background()

	req := request("slow.bin")
	req.TTL = time.Minute
	req.OneTime = true
	entry, err := reg.Register(ctx, req)
	require.NoError(t, err)
	token, err := reg.Claim(entry.Code)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	removed, err := reg.SweepExpired()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, purger.count())

	require.NoError(t, reg.MarkConsumed(entry.Code, token))
	assert.Equal(t, 1, purger.count())
}

// hookedClock runs hook once, on the next reading after it is set.
type hookedClock struct {
	clock
	hook func()
}

func (c *hookedClock) Now() time.Time {
	if h := c.hook; h != nil {
		c.hook = nil
		h()
	}
	return c.clock.Now()
}

func newHookedRegistry(t *testing.T, codes ...string) (*Registry, *recordingPurger, *hookedClock) {
	t.Helper()
	meta, err := metadata.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	purger := &recordingPurger{}
	clk := &hookedClock{clock: clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}}
	reg := NewRegistry(meta, purger,
		WithClock(clk.Now),
		WithLogger(logging.Discard()),
		WithCodeGenerator(sequence(codes...)),
	)
	return reg, purger, clk
}

func TestSweepSparesCodeReissuedMidSweep(t *testing.T) {
	reg, purger, clk := newHookedRegistry(t, "AAAAAA")
	ctx := context.Background()

	stale := request("stale.bin")
	stale.TTL = time.Minute
	_, err := reg.Register(ctx, stale)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	var fresh *metadata.ShareEntry
	clk.hook = func() {
		fresh, err = reg.Register(ctx, request("fresh.bin"))
		require.NoError(t, err)
	}

	removed, err := reg.SweepExpired()
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Zero(t, removed)
	assert.Equal(t, 1, purger.count(), "only the displaced entry's objects go")

	got, err := reg.Resolve(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "fresh.bin", got.FileName)
}

func TestResolveSparesCodeReissuedAfterExpiry(t *testing.T) {
	reg, _, clk := newHookedRegistry(t, "BBBBBB")
	ctx := context.Background()

	stale := request("stale.bin")
	stale.TTL = time.Minute
	_, err := reg.Register(ctx, stale)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	clk.hook = func() {
		_, err := reg.Register(ctx, request("fresh.bin"))
		require.NoError(t, err)
	}
	_, err = reg.Resolve(ctx, "BBBBBB")
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired, "the caller saw the expired entry")

	got, err := reg.Resolve(ctx, "BBBBBB")
	require.NoError(t, err)
	assert.Equal(t, "fresh.bin", got.FileName)
}

func TestRecoverClaimsConsumesInFlightEntries(t *testing.T) {
	reg, purger, _ := newTestRegistry(t)
	ctx := context.Background()

	req := request("crash.bin")
	req.OneTime = true
	entry, err := reg.Register(ctx, req)
	require.NoError(t, err)
	_, err = reg.Claim(entry.Code)
	require.NoError(t, err)

	settled, err := reg.RecoverClaims()
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, purger.count())

	_, err = reg.Lookup(entry.Code)
	assert.ErrorIs(t, err, errs.ErrNotFoundOrExpired)
}

func TestRecordDownload(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	entry, err := reg.Register(context.Background(), request("multi.bin"))
	require.NoError(t, err)

	require.NoError(t, reg.RecordDownload(entry.Code))
	require.NoError(t, reg.RecordDownload(entry.Code))

	got, err := reg.Lookup(entry.Code)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.DownloadCount)
}

func TestRegisterValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), RegisterRequest{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	req := request("neg.bin")
	req.TTL = -time.Second
	_, err = reg.Register(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
