package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteFile fills the target path with size bytes of a repeating pattern
// and stamps it with atime. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64, atime time.Time) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}

	const chunkSize = 32 * 1024
	buf := make([]byte, min(size, chunkSize))
	for i := range buf {
		buf[i] = 0x42
	}
	for remaining := size; remaining > 0; {
		n := min(remaining, int64(len(buf)))
		if _, err := f.Write(buf[:n]); err != nil {
			f.Close()
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= n
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
	if !atime.IsZero() {
		if err := os.Chtimes(path, atime, atime); err != nil {
			t.Fatalf("chtimes %s: %v", path, err)
		}
	}
}
