package metadata

import (
	"time"
)

// ChunkRef locates one stored chunk object and records how it was encoded.
type ChunkRef struct {
	Index      int    `json:"index"`
	ObjectID   string `json:"object_id"`
	Hash       string `json:"hash"`
	Size       int64  `json:"size"`
	StoredSize int64  `json:"stored_size"`
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
}

// Manifest is the ordered list of chunks that make up one assembled file.
type Manifest struct {
	Chunks     []ChunkRef `json:"chunks"`
	TotalBytes int64      `json:"total_bytes"`
}

// AccessPolicy is the access-control metadata fixed by the first chunk of
// an upload. PassphraseHash is a bcrypt hash; empty means unprotected.
type AccessPolicy struct {
	PassphraseHash string `json:"passphrase_hash,omitempty"`
	TTLMillis      int64  `json:"ttl_millis"`
	OneTime        bool   `json:"one_time"`
}

func (p AccessPolicy) Protected() bool {
	return p.PassphraseHash != ""
}

// SessionRecord is the persisted state of an in-progress chunked upload.
type SessionRecord struct {
	Key           string       `json:"key"`
	ObjectPrefix  string       `json:"object_prefix"`
	FileName      string       `json:"file_name"`
	TotalChunks   int          `json:"total_chunks"`
	TotalBytes    int64        `json:"total_bytes"`
	Received      []bool       `json:"received"`
	ReceivedBytes int64        `json:"received_bytes"`
	Chunks        []ChunkRef   `json:"chunks"`
	Access        AccessPolicy `json:"access"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ReceivedCount returns how many chunk indices have been accepted.
func (s *SessionRecord) ReceivedCount() int {
	n := 0
	for _, ok := range s.Received {
		if ok {
			n++
		}
	}
	return n
}

// Complete reports whether every index in [0, TotalChunks) was received.
func (s *SessionRecord) Complete() bool {
	return len(s.Received) == s.TotalChunks && s.ReceivedCount() == s.TotalChunks
}

// Manifest returns the session's chunks as a manifest.
func (s *SessionRecord) Manifest() Manifest {
	chunks := make([]ChunkRef, len(s.Chunks))
	copy(chunks, s.Chunks)
	return Manifest{Chunks: chunks, TotalBytes: s.TotalBytes}
}

// ShareState is the consumption state of a share entry.
type ShareState string

const (
	StateAvailable ShareState = "available"
	// StateClaimed marks a one-time entry whose download is in flight.
	StateClaimed  ShareState = "claimed"
	StateConsumed ShareState = "consumed"
)

// ShareEntry is a fully assembled file reachable through an invite code.
type ShareEntry struct {
	Code           string     `json:"code"`
	FileName       string     `json:"file_name"`
	SizeBytes      int64      `json:"size_bytes"`
	PassphraseHash string     `json:"passphrase_hash,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	OneTime        bool       `json:"one_time"`
	State          ShareState `json:"state"`
	ClaimID        string     `json:"claim_id,omitempty"`
	Manifest       Manifest   `json:"manifest"`
	CreatedAt      time.Time  `json:"created_at"`
	DownloadCount  int64      `json:"download_count"`
}

func (e *ShareEntry) Protected() bool {
	return e.PassphraseHash != ""
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *ShareEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Live reports whether the entry still holds its code: not expired and not
// consumed. A claimed entry is live; its code is still taken.
func (e *ShareEntry) Live(now time.Time) bool {
	return !e.Expired(now) && e.State != StateConsumed
}
