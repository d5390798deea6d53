package chunker

import (
	"fmt"
	"io"
	"sort"
)

// Reassemble writes chunks to w in index order, verifying each chunk's hash
// (when set) and that the indices form a gap-free sequence starting at zero.
// It returns the number of bytes written.
func Reassemble(w io.Writer, chunks []Chunk) (int64, error) {
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sortChunksByIndex(ordered)

	var written int64
	for i, c := range ordered {
		if c.Index != i {
			return written, fmt.Errorf("missing chunk %d (found %d)", i, c.Index)
		}
		if c.Hash != "" {
			if got := HashChunk(c.Data); got != c.Hash {
				return written, fmt.Errorf("hash mismatch for chunk %d: expected %s, got %s", c.Index, c.Hash, got)
			}
		}
		n, err := w.Write(c.Data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write chunk %d: %w", c.Index, err)
		}
	}
	return written, nil
}

// sortChunksByIndex sorts chunks by their position in the original file
func sortChunksByIndex(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})
}
