package assembly

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/jaywantadh/disktrolink/internal/chunker"
	"github.com/jaywantadh/disktrolink/internal/compressor"
	"github.com/jaywantadh/disktrolink/internal/encryptor"
	"github.com/jaywantadh/disktrolink/internal/errs"
	"github.com/jaywantadh/disktrolink/internal/metadata"
	"github.com/jaywantadh/disktrolink/internal/storage"
)

// Resolver maps an invite code to its share entry.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*metadata.ShareEntry, error)
}

// manifestReader streams the chunks of a manifest in index order, loading
// one chunk at a time.
type manifestReader struct {
	objects storage.Storage
	enc     encryptor.Encryptor
	chunks  []metadata.ChunkRef
	next    int
	cur     *bytes.Reader
}

// Open returns a reader producing the concatenation of the manifest's chunks.
// Each chunk is verified against its recorded hash before any of its bytes
// are returned.
func (s *Store) Open(m metadata.Manifest) (io.ReadCloser, error) {
	for i, c := range m.Chunks {
		if c.Index != i {
			return nil, fmt.Errorf("manifest chunk %d has index %d", i, c.Index)
		}
		if c.Encrypted && s.enc == nil {
			return nil, fmt.Errorf("chunk %d is sealed but no storage secret is configured", i)
		}
	}
	return &manifestReader{objects: s.objects, enc: s.enc, chunks: m.Chunks}, nil
}

func (r *manifestReader) Read(p []byte) (int, error) {
	for r.cur == nil || r.cur.Len() == 0 {
		if r.next >= len(r.chunks) {
			return 0, io.EOF
		}
		data, err := r.load(r.chunks[r.next])
		if err != nil {
			return 0, err
		}
		r.next++
		r.cur = bytes.NewReader(data)
	}
	return r.cur.Read(p)
}

func (r *manifestReader) load(ref metadata.ChunkRef) ([]byte, error) {
	rc, err := r.objects.Get(ref.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", ref.Index, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk data %d: %w", ref.Index, err)
	}
	if ref.Encrypted {
		if data, err = r.enc.Decrypt(data); err != nil {
			return nil, fmt.Errorf("failed to decrypt chunk %d: %w", ref.Index, err)
		}
	}
	if ref.Compressed {
		if data, err = compressor.DecompressData(data); err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %d: %w", ref.Index, err)
		}
	}
	if int64(len(data)) != ref.Size {
		return nil, fmt.Errorf("size mismatch for chunk %d: expected %d, got %d", ref.Index, ref.Size, len(data))
	}
	if got := chunker.HashChunk(data); got != ref.Hash {
		return nil, fmt.Errorf("hash mismatch for chunk %d: expected %s, got %s", ref.Index, ref.Hash, got)
	}
	return data, nil
}

func (r *manifestReader) Close() error {
	r.cur = nil
	r.next = len(r.chunks)
	return nil
}

// Materialize streams the assembled bytes of a complete session.
func (s *Store) Materialize(key string) (io.ReadCloser, error) {
	rec, err := s.Session(key)
	if err != nil {
		return nil, err
	}
	if !rec.Complete() {
		return nil, fmt.Errorf("%w: session has %d of %d chunks", errs.ErrValidation, rec.ReceivedCount(), rec.TotalChunks)
	}
	return s.Open(rec.Manifest())
}

// StreamFor resolves code and streams the stored file behind it. It does not
// apply any access control; that is the gate's job.
func (s *Store) StreamFor(ctx context.Context, resolver Resolver, code string) (io.ReadCloser, error) {
	entry, err := resolver.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.Open(entry.Manifest)
}
