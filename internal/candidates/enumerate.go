package candidates

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"
)

// whiteoutPrefix marks the filesystem's own bookkeeping entries inside a
// branch.
const whiteoutPrefix = ".wh."

// Root is a branch root to enumerate.
type Root struct {
	FS   fs.FS
	Path string
}

// RootOf wraps an open branch root handle. The handle must stay open while
// the Root is in use.
func RootOf(f *os.File) Root {
	p := fmt.Sprintf("/proc/self/fd/%d", f.Fd())
	return Root{FS: os.DirFS(p), Path: p}
}

// Enumerator writes candidate records for every file of a branch. Records
// written last are consumed first.
type Enumerator interface {
	Enumerate(ctx context.Context, root Root, w io.Writer) error
}

// Scanner walks the branch in process and orders regular files from most
// to least recently accessed, so the coldest file sits at the tail.
type Scanner struct{}

type scanned struct {
	name  string
	size  int64
	atime time.Time
}

// Enumerate implements Enumerator.
func (Scanner) Enumerate(ctx context.Context, root Root, w io.Writer) error {
	var files []scanned
	err := fs.WalkDir(root.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == "." {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.HasPrefix(d.Name(), whiteoutPrefix) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, scanned{name: path, size: info.Size(), atime: accessTime(info)})
		return nil
	})
	if err != nil {
		return err
	}
	slices.SortStableFunc(files, func(a, b scanned) int { return b.atime.Compare(a.atime) })
	for _, f := range files {
		rec := Record{
			Atime: fmt.Sprintf("%d.%09d", f.atime.Unix(), f.atime.Nanosecond()),
			Size:  f.size,
			Name:  f.name,
		}
		if _, err := w.Write(rec.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func accessTime(info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec))
	}
	return info.ModTime()
}

// Command runs an external helper inside the branch root. The helper
// writes records to stdout in the same format the Scanner produces.
type Command struct {
	Path string
	Args []string
}

// Enumerate implements Enumerator.
func (c Command) Enumerate(ctx context.Context, root Root, w io.Writer) error {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = root.Path
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("list command %s: %w: %s", c.Path, err, msg)
		}
		return fmt.Errorf("list command %s: %w", c.Path, err)
	}
	return nil
}
