package assembly

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrolink/internal/chunker"
	"github.com/jaywantadh/disktrolink/internal/compressor"
	"github.com/jaywantadh/disktrolink/internal/encryptor"
	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/internal/passphrase"
	"github.com/jaywantadh/disktrolink/internal/storage"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// SessionKey derives the key correlating the chunks of one upload. uploadID
// is a client-chosen nonce, so two uploads of the same file never share a
// session. The filename is not part of the key since only the first chunk
// has to carry it.
func SessionKey(totalBytes int64, uploadID string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(totalBytes, 10)))
	h.Write([]byte{0})
	h.Write([]byte(uploadID))
	return hex.EncodeToString(h.Sum(nil))
}

// Declaration is the per-file metadata a chunk carries. The access fields are
// pointers so "not sent" can be told apart from an explicit value.
type Declaration struct {
	FileName    string
	TotalChunks int
	TotalBytes  int64
	Passphrase  *string
	TTLMillis   *int64
	OneTime     *bool
}

// ChunkUpload is one inbound chunk.
type ChunkUpload struct {
	SessionKey string
	Index      int
	Declaration
	Data []byte
	// Hash is the optional client-computed SHA-256 of Data.
	Hash string
}

// Ack acknowledges an accepted chunk.
type Ack struct {
	SessionKey     string
	Index          int
	ReceivedChunks int
	ReceivedBytes  int64
	TotalChunks    int
	TotalBytes     int64
	Complete       bool
	// Duplicate is set when the chunk was an identical resend of the last
	// accepted index and nothing changed.
	Duplicate bool
}

type session struct {
	mu   sync.Mutex
	rec  metadata.SessionRecord
	gone bool
}

// Store accumulates ordered chunks per upload session and reads assembled
// files back.
type Store struct {
	meta    *metadata.MetadataStore
	objects storage.Storage
	enc     encryptor.Encryptor
	hasher  passphrase.Hasher

	maxFileSize int64
	now         func() time.Time
	log         *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Store)

// WithEncryptor seals chunk objects at rest.
func WithEncryptor(enc encryptor.Encryptor) Option {
	return func(s *Store) { s.enc = enc }
}

func WithHasher(h passphrase.Hasher) Option {
	return func(s *Store) { s.hasher = h }
}

// WithMaxFileSize caps the declared total size; zero means no cap.
func WithMaxFileSize(n int64) Option {
	return func(s *Store) { s.maxFileSize = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *logrus.Entry) Option {
	return func(s *Store) { s.log = l }
}

// NewStore builds the store and reloads sessions persisted by a previous run.
func NewStore(meta *metadata.MetadataStore, objects storage.Storage, opts ...Option) (*Store, error) {
	s := &Store{
		meta:     meta,
		objects:  objects,
		hasher:   passphrase.NewBcrypt(0),
		now:      time.Now,
		log:      logging.For("assembly"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}

	recs, err := meta.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, rec := range recs {
		s.sessions[rec.Key] = &session{rec: rec}
	}
	if len(recs) > 0 {
		s.log.Infof("restored %d upload sessions", len(recs))
	}
	return s, nil
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errs.ErrValidation, fmt.Sprintf(format, args...))
}

func (s *Store) checkShape(up ChunkUpload) error {
	if up.SessionKey == "" {
		return validationf("missing session key")
	}
	if up.TotalChunks < 1 {
		return validationf("total chunks must be at least 1, got %d", up.TotalChunks)
	}
	if up.TotalBytes < 0 {
		return validationf("total bytes must not be negative")
	}
	if s.maxFileSize > 0 && up.TotalBytes > s.maxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", errs.ErrTooLarge, up.TotalBytes, s.maxFileSize)
	}
	if up.Index < 0 || up.Index >= up.TotalChunks {
		return validationf("chunk index %d out of range [0,%d)", up.Index, up.TotalChunks)
	}
	if up.Hash != "" && chunker.HashChunk(up.Data) != up.Hash {
		return validationf("chunk %d hash mismatch", up.Index)
	}
	return nil
}

// acquire returns the locked session for up, creating it for chunk 0.
func (s *Store) acquire(up ChunkUpload) (*session, bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[up.SessionKey]
	created := false
	if !ok {
		if up.Index != 0 {
			s.mu.Unlock()
			return nil, false, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, up.SessionKey)
		}
		sess = &session{}
		s.sessions[up.SessionKey] = sess
		created = true
	}
	s.mu.Unlock()

	sess.mu.Lock()
	if sess.gone {
		sess.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, up.SessionKey)
	}
	return sess, created, nil
}

// forget drops a session that never accepted a chunk. Caller holds sess.mu.
func (s *Store) forget(key string, sess *session) {
	sess.gone = true
	s.mu.Lock()
	if s.sessions[key] == sess {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
}

func (s *Store) newRecord(up ChunkUpload) (metadata.SessionRecord, error) {
	if up.FileName == "" {
		return metadata.SessionRecord{}, validationf("filename is required on the first chunk")
	}
	access := metadata.AccessPolicy{}
	if up.Passphrase != nil && *up.Passphrase != "" {
		hash, err := s.hasher.Hash(*up.Passphrase)
		if err != nil {
			return metadata.SessionRecord{}, err
		}
		access.PassphraseHash = hash
	}
	if up.TTLMillis != nil {
		if *up.TTLMillis < 0 {
			return metadata.SessionRecord{}, validationf("ttl must not be negative")
		}
		access.TTLMillis = *up.TTLMillis
	}
	if up.OneTime != nil {
		access.OneTime = *up.OneTime
	}
	now := s.now().UTC()
	return metadata.SessionRecord{
		Key:          up.SessionKey,
		ObjectPrefix: uuid.NewString(),
		FileName:     up.FileName,
		TotalChunks:  up.TotalChunks,
		TotalBytes:   up.TotalBytes,
		Received:     make([]bool, up.TotalChunks),
		Access:       access,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// checkDeclaration rejects a chunk whose declaration contradicts the session.
// Access fields that are absent inherit the session's values.
func (s *Store) checkDeclaration(rec metadata.SessionRecord, up ChunkUpload) error {
	if up.TotalChunks != rec.TotalChunks {
		return validationf("total chunks changed from %d to %d", rec.TotalChunks, up.TotalChunks)
	}
	if up.TotalBytes != rec.TotalBytes {
		return validationf("total bytes changed from %d to %d", rec.TotalBytes, up.TotalBytes)
	}
	if up.FileName != "" && up.FileName != rec.FileName {
		return validationf("filename changed within session")
	}
	if up.TTLMillis != nil && *up.TTLMillis != rec.Access.TTLMillis {
		return validationf("ttl conflicts with the session's ttl")
	}
	if up.OneTime != nil && *up.OneTime != rec.Access.OneTime {
		return validationf("one-time flag conflicts with the session's flag")
	}
	if up.Passphrase != nil {
		supplied := *up.Passphrase
		switch {
		case supplied == "" && rec.Access.Protected():
			return validationf("passphrase conflicts with the session's passphrase")
		case supplied != "" && !rec.Access.Protected():
			return validationf("passphrase conflicts with the session's passphrase")
		case supplied != "":
			if err := s.hasher.Verify(rec.Access.PassphraseHash, supplied); err != nil {
				if errors.Is(err, passphrase.ErrMismatch) {
					return validationf("passphrase conflicts with the session's passphrase")
				}
				return err
			}
		}
	}
	return nil
}

// AppendChunk validates and stores one chunk. Chunks must arrive in index
// order; a rejected chunk leaves the session exactly as it was.
func (s *Store) AppendChunk(ctx context.Context, up ChunkUpload) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	if err := s.checkShape(up); err != nil {
		return Ack{}, err
	}

	sess, created, err := s.acquire(up)
	if err != nil {
		return Ack{}, err
	}
	defer sess.mu.Unlock()

	if !created && sess.rec.Key == "" && up.Index != 0 {
		return Ack{}, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, up.SessionKey)
	}
	if created || sess.rec.Key == "" {
		rec, err := s.newRecord(up)
		if err != nil {
			s.forget(up.SessionKey, sess)
			return Ack{}, err
		}
		sess.rec = rec
	} else if err := s.checkDeclaration(sess.rec, up); err != nil {
		return Ack{}, err
	}

	ack, err := s.appendLocked(sess, up)
	if err != nil && sess.rec.ReceivedCount() == 0 {
		s.forget(up.SessionKey, sess)
	}
	return ack, err
}

func (s *Store) appendLocked(sess *session, up ChunkUpload) (Ack, error) {
	rec := sess.rec
	next := rec.ReceivedCount()

	if up.Index < next {
		last := rec.Chunks[len(rec.Chunks)-1]
		if up.Index == last.Index && chunker.HashChunk(up.Data) == last.Hash {
			ack := ackFor(rec, up.Index)
			ack.Duplicate = true
			return ack, nil
		}
		return Ack{}, validationf("chunk %d already received", up.Index)
	}
	if up.Index > next {
		return Ack{}, validationf("chunk %d arrived out of order, expected %d", up.Index, next)
	}

	size := int64(len(up.Data))
	isLast := up.Index == rec.TotalChunks-1
	if size == 0 && !isLast {
		return Ack{}, validationf("chunk %d is empty", up.Index)
	}
	if rec.ReceivedBytes+size > rec.TotalBytes {
		return Ack{}, validationf("chunk %d overruns declared size %d", up.Index, rec.TotalBytes)
	}
	if isLast && rec.ReceivedBytes+size != rec.TotalBytes {
		return Ack{}, validationf("size mismatch: received %d of %d bytes", rec.ReceivedBytes+size, rec.TotalBytes)
	}

	ref, err := s.putObject(rec.ObjectPrefix, rec.FileName, up.Index, up.Data)
	if err != nil {
		return Ack{}, err
	}

	updated := rec
	updated.Received = append([]bool(nil), rec.Received...)
	updated.Received[up.Index] = true
	updated.Chunks = append(append([]metadata.ChunkRef(nil), rec.Chunks...), ref)
	updated.ReceivedBytes += size
	updated.UpdatedAt = s.now().UTC()

	if err := s.meta.PutSession(updated); err != nil {
		if delErr := s.objects.Delete(ref.ObjectID); delErr != nil {
			s.log.WithError(delErr).Warn("failed to remove orphaned chunk object")
		}
		return Ack{}, fmt.Errorf("persist session: %w", err)
	}
	sess.rec = updated

	s.log.WithFields(logrus.Fields{
		"session": shortKey(rec.Key),
		"chunk":   up.Index,
		"bytes":   size,
	}).Debug("chunk accepted")
	return ackFor(updated, up.Index), nil
}

func ackFor(rec metadata.SessionRecord, index int) Ack {
	return Ack{
		SessionKey:     rec.Key,
		Index:          index,
		ReceivedChunks: rec.ReceivedCount(),
		ReceivedBytes:  rec.ReceivedBytes,
		TotalChunks:    rec.TotalChunks,
		TotalBytes:     rec.TotalBytes,
		Complete:       rec.Complete(),
	}
}

// putObject compresses (when worthwhile) and seals a chunk, then stores it.
func (s *Store) putObject(prefix, fileName string, index int, data []byte) (metadata.ChunkRef, error) {
	ref := metadata.ChunkRef{
		Index:    index,
		ObjectID: fmt.Sprintf("%s-%d", prefix, index),
		Hash:     chunker.HashChunk(data),
		Size:     int64(len(data)),
	}

	payload := data
	if len(data) > 0 && !compressor.ShouldSkipCompression(fileName) {
		compressed, err := compressor.CompressChunk(data)
		if err != nil {
			return ref, err
		}
		if len(compressed) < len(data) {
			payload = compressed
			ref.Compressed = true
		}
	}
	if s.enc != nil {
		sealed, err := s.enc.Encrypt(payload)
		if err != nil {
			return ref, fmt.Errorf("seal chunk %d: %w", index, err)
		}
		payload = sealed
		ref.Encrypted = true
	}

	n, err := s.objects.Put(ref.ObjectID, bytes.NewReader(payload))
	if err != nil {
		return ref, fmt.Errorf("failed to store chunk %d: %w", index, err)
	}
	ref.StoredSize = n
	return ref, nil
}

// Session returns a snapshot of the session record.
func (s *Store) Session(key string) (metadata.SessionRecord, error) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return metadata.SessionRecord{}, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, key)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gone || sess.rec.Key == "" {
		return metadata.SessionRecord{}, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, key)
	}
	rec := sess.rec
	rec.Received = append([]bool(nil), sess.rec.Received...)
	rec.Chunks = append([]metadata.ChunkRef(nil), sess.rec.Chunks...)
	return rec, nil
}

// IsComplete reports whether every chunk of the session has arrived.
func (s *Store) IsComplete(key string) bool {
	rec, err := s.Session(key)
	return err == nil && rec.Complete()
}

// errStillActive reports that a session picked for removal received a chunk
// before it could be locked.
var errStillActive = errors.New("session is still active")

// remove detaches the session; with purge its chunk objects are deleted too.
// A non-nil stale is evaluated under the session lock and must hold for the
// removal to go ahead.
func (s *Store) remove(key string, purge bool, stale func(metadata.SessionRecord) bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, key)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gone {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, key)
	}
	if stale != nil && !stale(sess.rec) {
		return errStillActive
	}
	s.forget(key, sess)

	var result error
	if err := s.meta.DeleteSession(key); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		result = fmt.Errorf("delete session record: %w", err)
	}
	if purge {
		if err := s.Purge(sess.rec.Manifest()); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}

// Finalize passes a complete session to publish and, once publish succeeds,
// forgets the session while keeping its chunk objects. The session stays
// locked during publish, so a racing resend of the final chunk cannot publish
// it twice.
func (s *Store) Finalize(key string, publish func(rec metadata.SessionRecord) error) error {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, key)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gone || sess.rec.Key == "" {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, key)
	}
	if !sess.rec.Complete() {
		return validationf("session has %d of %d chunks", sess.rec.ReceivedCount(), sess.rec.TotalChunks)
	}

	rec := sess.rec
	rec.Chunks = append([]metadata.ChunkRef(nil), sess.rec.Chunks...)
	if err := publish(rec); err != nil {
		return err
	}

	s.forget(key, sess)
	if err := s.meta.DeleteSession(key); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		s.log.WithError(err).WithField("session", shortKey(key)).Warn("failed to delete finalized session record")
	}
	return nil
}

// Release forgets a completed session whose chunk objects now belong to a
// share entry.
func (s *Store) Release(key string) error {
	return s.remove(key, false, nil)
}

// Discard forgets a session and deletes its chunk objects.
func (s *Store) Discard(key string) error {
	return s.remove(key, true, nil)
}

// discardIdle discards the session only if it has been idle since cutoff.
func (s *Store) discardIdle(key string, cutoff time.Time) error {
	return s.remove(key, true, func(rec metadata.SessionRecord) bool {
		return rec.Key != "" && rec.UpdatedAt.Before(cutoff)
	})
}

// Purge deletes the chunk objects of a manifest. Missing objects are ignored.
func (s *Store) Purge(m metadata.Manifest) error {
	var result error
	for _, c := range m.Chunks {
		if err := s.objects.Delete(c.ObjectID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			result = errors.Join(result, err)
		}
	}
	return result
}

// SweepIdle discards sessions that have not received a chunk for longer than
// idle and returns how many were removed.
func (s *Store) SweepIdle(idle time.Duration) (int, error) {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	var stale []string
	for key, sess := range s.sessions {
		if !sess.mu.TryLock() {
			continue // busy means not idle
		}
		if !sess.gone && sess.rec.Key != "" && sess.rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, key)
		}
		sess.mu.Unlock()
	}
	s.mu.Unlock()

	var result error
	removed := 0
	for _, key := range stale {
		if err := s.discardIdle(key, cutoff); err != nil {
			if errors.Is(err, errs.ErrSessionNotFound) || errors.Is(err, errStillActive) {
				continue
			}
			result = errors.Join(result, err)
			continue
		}
		removed++
		s.log.WithField("session", shortKey(key)).Info("discarded idle upload session")
	}
	return removed, result
}

// ActiveSessions returns the number of in-progress sessions.
func (s *Store) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
