package providers

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const hashChunkSize = 64 * 1024

// ComputeMovieHash implements the OpenSubtitles moviehash: file size plus
// the little-endian uint64 sum of the first and last 64 KiB. Files smaller
// than two chunks are not hashable and return an empty hash.
func ComputeMovieHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat for hashing: %w", err)
	}
	size := info.Size()
	if size < 2*hashChunkSize {
		return "", size, nil
	}

	hash := uint64(size)
	sum, err := chunkSum(f, 0)
	if err != nil {
		return "", size, err
	}
	hash += sum
	sum, err = chunkSum(f, size-hashChunkSize)
	if err != nil {
		return "", size, err
	}
	hash += sum
	return fmt.Sprintf("%016x", hash), size, nil
}

func chunkSum(f *os.File, offset int64) (uint64, error) {
	buf := make([]byte, hashChunkSize)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return 0, fmt.Errorf("read hash chunk: %w", err)
	}
	var sum uint64
	for i := 0; i < hashChunkSize; i += 8 {
		sum += binary.LittleEndian.Uint64(buf[i : i+8])
	}
	return sum, nil
}
