package share

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// Alphabet omits 0/O and 1/I so codes survive being read aloud.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

var (
	// ErrNotClaimed is returned when settling a claim the caller does not hold.
	ErrNotClaimed = errors.New("entry is not claimed by this caller")
)

// CodeGenerator returns a candidate invite code.
type CodeGenerator func() (string, error)

// RandomCodes draws codes of length n uniformly from Alphabet.
func RandomCodes(n int) CodeGenerator {
	max := big.NewInt(int64(len(Alphabet)))
	return func() (string, error) {
		b := make([]byte, n)
		for i := range b {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("generate code: %w", err)
			}
			b[i] = Alphabet[idx.Int64()]
		}
		return string(b), nil
	}
}

// Purger deletes the stored objects behind a manifest.
type Purger interface {
	Purge(m metadata.Manifest) error
}

// RegisterRequest describes a fully assembled file to publish.
type RegisterRequest struct {
	FileName       string
	SizeBytes      int64
	PassphraseHash string
	// TTL of zero means the entry never expires.
	TTL      time.Duration
	OneTime  bool
	Manifest metadata.Manifest
}

// Registry owns the invite code namespace. Mutations of one code are
// serialized by a per-code lock; different codes never contend.
type Registry struct {
	meta     *metadata.MetadataStore
	purger   Purger
	codes    CodeGenerator
	attempts int
	now      func() time.Time
	log      *logrus.Entry

	mintMu sync.Mutex
	locks  sync.Map // code -> *sync.Mutex
}

type Option func(*Registry)

func WithCodeGenerator(g CodeGenerator) Option {
	return func(r *Registry) { r.codes = g }
}

// WithAttempts bounds how many candidate codes Register tries.
func WithAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.attempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *logrus.Entry) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(meta *metadata.MetadataStore, purger Purger, opts ...Option) *Registry {
	r := &Registry{
		meta:     meta,
		purger:   purger,
		codes:    RandomCodes(6),
		attempts: 32,
		now:      time.Now,
		log:      logging.For("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockFor(code string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(code, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Register mints a code not held by any live entry and stores the entry
// under it. Colliding candidates are regenerated.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*metadata.ShareEntry, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: filename is required", errs.ErrValidation)
	}
	if req.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", errs.ErrValidation)
	}

	r.mintMu.Lock()
	defer r.mintMu.Unlock()

	now := r.now().UTC()
	entry := metadata.ShareEntry{
		FileName:       req.FileName,
		SizeBytes:      req.SizeBytes,
		PassphraseHash: req.PassphraseHash,
		OneTime:        req.OneTime,
		State:          metadata.StateAvailable,
		Manifest:       req.Manifest,
		CreatedAt:      now,
	}
	if req.TTL > 0 {
		expiresAt := now.Add(req.TTL)
		entry.ExpiresAt = &expiresAt
	}

	for attempt := 0; attempt < r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		code, err := r.codes()
		if err != nil {
			return nil, err
		}
		entry.Code = code

		mu := r.lockFor(code)
		mu.Lock()
		displaced, err := r.meta.CreateShare(entry, func(e metadata.ShareEntry) bool {
			return e.Live(r.now())
		})
		mu.Unlock()

		if errors.Is(err, metadata.ErrCodeTaken) {
			r.log.WithField("attempt", attempt+1).Debug("invite code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store share: %w", err)
		}
		if displaced != nil {
			r.purge(displaced)
		}

		r.log.WithFields(logrus.Fields{
			"code":      code,
			"file":      entry.FileName,
			"size":      entry.SizeBytes,
			"one_time":  entry.OneTime,
			"protected": entry.Protected(),
		}).Info("share registered")
		return &entry, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", errs.ErrCodeSpaceExhausted, r.attempts)
}

// Resolve returns the live, unclaimed entry for code. Never-existed, expired,
// consumed and claimed entries all report ErrNotFoundOrExpired. Expired
// entries found here are removed.
func (r *Registry) Resolve(ctx context.Context, code string) (*metadata.ShareEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := r.meta.GetShare(code)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, errs.ErrNotFoundOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("load share: %w", err)
	}

	now := r.now()
	if entry.Expired(now) {
		if entry.State != metadata.StateClaimed {
			if _, err := r.removeIfDead(code); err != nil {
				r.log.WithError(err).WithField("code", code).Warn("failed to remove expired share")
			}
		}
		return nil, errs.ErrNotFoundOrExpired
	}
	if entry.State != metadata.StateAvailable {
		return nil, errs.ErrNotFoundOrExpired
	}
	return &entry, nil
}

// Claim atomically moves a one-time entry from available to claimed and
// returns the claim token. Exactly one concurrent caller can win; the others
// get ErrNotFoundOrExpired.
func (r *Registry) Claim(code string) (string, error) {
	mu := r.lockFor(code)
	mu.Lock()
	defer mu.Unlock()

	token := newToken()
	_, err := r.meta.UpdateShare(code, func(e *metadata.ShareEntry) error {
		if e.Expired(r.now()) || e.State != metadata.StateAvailable {
			return errs.ErrNotFoundOrExpired
		}
		e.State = metadata.StateClaimed
		e.ClaimID = token
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return "", errs.ErrNotFoundOrExpired
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// MarkConsumed settles a claim as delivered: the entry is flipped to
// consumed, removed, and its objects deleted. The transition is irreversible.
func (r *Registry) MarkConsumed(code, token string) error {
	mu := r.lockFor(code)
	mu.Lock()
	defer mu.Unlock()

	entry, err := r.meta.UpdateShare(code, func(e *metadata.ShareEntry) error {
		if e.State != metadata.StateClaimed || e.ClaimID != token {
			return ErrNotClaimed
		}
		e.State = metadata.StateConsumed
		e.ClaimID = ""
		e.DownloadCount++
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return errs.ErrNotFoundOrExpired
	}
	if err != nil {
		return err
	}

	r.deleteLocked(&entry)
	r.log.WithField("code", code).Info("one-time share consumed")
	return nil
}

// Release returns a claimed entry to available. Used when a delivery failed
// before any byte reached the receiver.
func (r *Registry) Release(code, token string) error {
	mu := r.lockFor(code)
	mu.Lock()
	defer mu.Unlock()

	_, err := r.meta.UpdateShare(code, func(e *metadata.ShareEntry) error {
		if e.State != metadata.StateClaimed || e.ClaimID != token {
			return ErrNotClaimed
		}
		e.State = metadata.StateAvailable
		e.ClaimID = ""
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return errs.ErrNotFoundOrExpired
	}
	return err
}

// RecordDownload bumps the download counter of a reusable entry.
func (r *Registry) RecordDownload(code string) error {
	mu := r.lockFor(code)
	mu.Lock()
	defer mu.Unlock()

	_, err := r.meta.UpdateShare(code, func(e *metadata.ShareEntry) error {
		e.DownloadCount++
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return errs.ErrNotFoundOrExpired
	}
	return err
}

// Remove deletes an entry and its stored objects.
func (r *Registry) Remove(code string) error {
	mu := r.lockFor(code)
	mu.Lock()
	defer mu.Unlock()

	entry, err := r.meta.GetShare(code)
	if errors.Is(err, metadata.ErrNotFound) {
		return errs.ErrNotFoundOrExpired
	}
	if err != nil {
		return err
	}
	r.deleteLocked(&entry)
	return nil
}

// removeIfDead deletes the entry under code only if, once locked, it is
// still expired or consumed and not held by a delivery. The code may have
// been reissued since the caller last looked at it.
func (r *Registry) removeIfDead(code string) (bool, error) {
	mu := r.lockFor(code)
	mu.Lock()
	defer mu.Unlock()

	entry, err := r.meta.GetShare(code)
	if errors.Is(err, metadata.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Live(r.now()) || entry.State == metadata.StateClaimed {
		return false, nil
	}
	r.deleteLocked(&entry)
	return true, nil
}

// deleteLocked removes the record and its objects. Caller holds the code lock.
func (r *Registry) deleteLocked(entry *metadata.ShareEntry) {
	if err := r.meta.DeleteShare(entry.Code); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		r.log.WithError(err).WithField("code", entry.Code).Warn("failed to delete share record")
	}
	r.purge(entry)
}

func (r *Registry) purge(entry *metadata.ShareEntry) {
	if r.purger == nil {
		return
	}
	if err := r.purger.Purge(entry.Manifest); err != nil {
		r.log.WithError(err).WithField("code", entry.Code).Warn("failed to delete share objects")
	}
}

// SweepExpired removes every expired or consumed entry and returns how many
// were removed. Claimed entries are left to the delivery holding them.
func (r *Registry) SweepExpired() (int, error) {
	entries, err := r.meta.ListShares()
	if err != nil {
		return 0, fmt.Errorf("list shares: %w", err)
	}
	now := r.now()
	removed := 0
	for i := range entries {
		e := entries[i]
		if e.Live(now) || e.State == metadata.StateClaimed {
			continue
		}
		ok, err := r.removeIfDead(e.Code)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		r.log.Infof("cleaned up %d expired shares", removed)
	}
	return removed, nil
}

// RecoverClaims settles claims left behind by a previous process. Whether
// bytes reached the receiver is unknown, so they are treated as delivered.
func (r *Registry) RecoverClaims() (int, error) {
	entries, err := r.meta.ListShares()
	if err != nil {
		return 0, fmt.Errorf("list shares: %w", err)
	}
	settled := 0
	for _, e := range entries {
		if e.State != metadata.StateClaimed {
			continue
		}
		if err := r.MarkConsumed(e.Code, e.ClaimID); err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// Lookup returns the entry for code, including claimed ones, without any
// side effects. Intended for status reporting.
func (r *Registry) Lookup(code string) (*metadata.ShareEntry, error) {
	entry, err := r.meta.GetShare(code)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, errs.ErrNotFoundOrExpired
	}
	if err != nil {
		return nil, err
	}
	if !entry.Live(r.now()) {
		return nil, errs.ErrNotFoundOrExpired
	}
	return &entry, nil
}
