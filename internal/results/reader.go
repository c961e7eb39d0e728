package results

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ReadNew returns the bytes appended to path since offset together with the
// offset to use on the next call.
//
// A missing file is not an error: the worker may not have written anything yet,
// so ReadNew reports no data and an offset of zero. A file that has not grown
// past offset (including one that was truncated) yields no data and the
// unchanged offset.
func ReadNew(path string, offset int64) ([]byte, int64, error) {
	if offset < 0 {
		offset = 0
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, offset, fmt.Errorf("results: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("results: stat %s: %w", path, err)
	}
	size := info.Size()
	if size <= offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("results: seek %s: %w", path, err)
	}
	buf := make([]byte, size-offset)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, offset, fmt.Errorf("results: read %s: %w", path, err)
	}
	return buf[:n], offset + int64(n), nil
}
