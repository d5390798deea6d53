package compressor

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".tgz": true, ".xz": true, ".zst": true,
	".mp3": true, ".flac": true, ".aac": true, ".ogg": true,
	".apk": true, ".iso": true, ".pdf": true,
}

// ShouldSkipCompression reports whether fileName is an already-compressed
// format that lz4 would not shrink.
func ShouldSkipCompression(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return skipExtensions[ext]
}

func CompressChunk(chunkData []byte) ([]byte, error) {
	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := writer.Write(chunkData); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return compressed.Bytes(), nil
}

func DecompressData(data []byte) ([]byte, error) {
	var decompressed bytes.Buffer
	if _, err := io.Copy(&decompressed, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return decompressed.Bytes(), nil
}
