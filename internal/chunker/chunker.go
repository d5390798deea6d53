package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the chunk size used when the caller does not pick one.
const DefaultChunkSize = 5 * 1024 * 1024

// Range is one contiguous byte range of a file.
type Range struct {
	Index  int
	Offset int64
	Length int64
}

// Chunk is a Range together with its bytes and their SHA-256.
type Chunk struct {
	Range
	Data []byte
	Hash string
}

// Count returns ceil(size/chunkSize), with a minimum of one so that an
// empty file still produces a single (empty) final chunk.
func Count(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Plan partitions [0,size) into ordered ranges of chunkSize bytes; the last
// range may be shorter.
func Plan(size, chunkSize int64) ([]Range, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative, got %d", size)
	}

	n := Count(size, chunkSize)
	ranges := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		ranges = append(ranges, Range{Index: i, Offset: offset, Length: length})
	}
	return ranges, nil
}

// HashChunk returns the hex SHA-256 of data.
func HashChunk(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Splitter reads a file chunk by chunk. Only one chunk buffer is held at a
// time, so arbitrarily large files can be split.
type Splitter struct {
	src    io.ReaderAt
	ranges []Range
	next   int
	buf    []byte
}

func NewSplitter(src io.ReaderAt, size, chunkSize int64) (*Splitter, error) {
	ranges, err := Plan(size, chunkSize)
	if err != nil {
		return nil, err
	}
	bufSize := chunkSize
	if size < bufSize {
		bufSize = size
	}
	return &Splitter{
		src:    src,
		ranges: ranges,
		buf:    make([]byte, bufSize),
	}, nil
}

func (s *Splitter) TotalChunks() int {
	return len(s.ranges)
}

func (s *Splitter) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Next returns the next chunk, or io.EOF once every range has been produced.
// The returned Data is only valid until the following call to Next.
func (s *Splitter) Next() (Chunk, error) {
	if s.next >= len(s.ranges) {
		return Chunk{}, io.EOF
	}
	r := s.ranges[s.next]

	data := s.buf[:r.Length]
	if r.Length > 0 {
		n, err := s.src.ReadAt(data, r.Offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == r.Length) {
			return Chunk{}, fmt.Errorf("failed to read chunk %d: %w", r.Index, err)
		}
	}

	s.next++
	return Chunk{Range: r, Data: data, Hash: HashChunk(data)}, nil
}

// OpenFile opens path and returns a splitter over it along with the file,
// which the caller must close.
func OpenFile(path string, chunkSize int64) (*Splitter, *os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}

	splitter, err := NewSplitter(file, fileInfo.Size(), chunkSize)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return splitter, file, nil
}
