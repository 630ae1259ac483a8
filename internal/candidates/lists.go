// Package candidates manages the per-branch lists of files waiting to be
// moved down.
//
// Each branch has a main list and a failed list in the list directory. The
// main list is consumed from its tail: a record is read first and only
// truncated away once its outcome is settled, so a crash between the two
// replays it. The failed list collects busy files; it is folded back onto
// the tail of the main list, newest failure last, whenever a list is
// prepared.
package candidates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"aufhsm/internal/logging"
)

const (
	failedSuffix = "-failed"
	lockSuffix   = ".lock"
	readChunk    = 4096
)

// ListName derives the list name from the branch root's device and inode.
func ListName(root *os.File) (string, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(root.Fd()), &st); err != nil {
		return "", fmt.Errorf("stat branch root: %w", err)
	}
	dev := uint64(st.Dev)
	return fmt.Sprintf("aufhsmd-%04x%04x-%d", unix.Major(dev), unix.Minor(dev), st.Ino), nil
}

// LockPath returns the per-branch lock file guarding list name.
func LockPath(dir, name string) string {
	return filepath.Join(dir, name+lockSuffix)
}

// Manager opens list pairs inside one directory.
type Manager struct {
	fs     afero.Fs
	dir    string
	enum   Enumerator
	logger *slog.Logger
}

// NewManager returns a manager for lists under dir on fsys. enum fills an
// empty list; nil selects the in-process Scanner.
func NewManager(fsys afero.Fs, dir string, enum Enumerator, logger *slog.Logger) *Manager {
	if enum == nil {
		enum = Scanner{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{fs: fsys, dir: dir, enum: enum, logger: logger}
}

// Dir returns the list directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Pair is an open main list and failed list of one branch.
type Pair struct {
	Name   string
	list   afero.File
	failed afero.File
}

// Prepare opens the pair for name. An empty main list is refilled from
// root; any failed records are then folded onto its tail.
func (m *Manager) Prepare(ctx context.Context, name string, root Root) (*Pair, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}
	size, err := fileSize(p.list)
	if err != nil {
		p.Close()
		return nil, err
	}
	if size == 0 {
		if err := m.fill(ctx, p, root); err != nil {
			p.Close()
			return nil, err
		}
	}
	if err := p.MergeFailed(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (m *Manager) open(name string) (*Pair, error) {
	list, err := m.fs.OpenFile(filepath.Join(m.dir, name), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open candidate list: %w", err)
	}
	failed, err := m.fs.OpenFile(filepath.Join(m.dir, name+failedSuffix), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		list.Close()
		return nil, fmt.Errorf("open failed list: %w", err)
	}
	return &Pair{Name: name, list: list, failed: failed}, nil
}

func (m *Manager) fill(ctx context.Context, p *Pair, root Root) error {
	var buf bytes.Buffer
	if err := m.enum.Enumerate(ctx, root, &buf); err != nil {
		return fmt.Errorf("enumerate %s: %w", p.Name, err)
	}
	if buf.Len() == 0 {
		return nil
	}
	if _, err := p.list.WriteAt(buf.Bytes(), 0); err != nil {
		_ = p.list.Truncate(0)
		return fmt.Errorf("write candidate list: %w", err)
	}
	m.logger.Debug("candidate list refilled",
		logging.String("list", p.Name),
		logging.Int("bytes", buf.Len()),
	)
	return nil
}

// Snapshot reads both lists of name without modifying them. Records come
// back in the order they would be consumed.
func (m *Manager) Snapshot(name string) (pending, failed []Record, err error) {
	read := func(path string) ([]Record, error) {
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		var out []Record
		for _, raw := range splitRecords(data) {
			rec, err := ParseRecord(raw[:len(raw)-1])
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		slices.Reverse(out)
		return out, nil
	}
	pending, err = read(filepath.Join(m.dir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("read candidate list: %w", err)
	}
	failed, err = read(filepath.Join(m.dir, name+failedSuffix))
	if err != nil {
		return nil, nil, fmt.Errorf("read failed list: %w", err)
	}
	return pending, failed, nil
}

func fileSize(f afero.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	return info.Size(), nil
}

// TakeLast returns the record at the tail of the main list without
// removing it. A malformed tail is returned with ErrMalformedRecord and a
// Record whose Len covers it.
func (p *Pair) TakeLast() (Record, error) {
	size, err := fileSize(p.list)
	if err != nil {
		return Record{}, err
	}
	if size == 0 {
		return Record{}, ErrEmpty
	}
	last := make([]byte, 1)
	if _, err := p.list.ReadAt(last, size-1); err != nil {
		return Record{}, fmt.Errorf("read candidate list: %w", err)
	}
	end := size
	if last[0] == 0 {
		end = size - 1
	}

	var tail []byte
	pos := end
	start := int64(0)
	for pos > 0 {
		n := min(int64(readChunk), pos)
		buf := make([]byte, n)
		if _, err := p.list.ReadAt(buf, pos-n); err != nil && !errors.Is(err, io.EOF) {
			return Record{}, fmt.Errorf("read candidate list: %w", err)
		}
		if i := bytes.LastIndexByte(buf, 0); i >= 0 {
			start = pos - n + int64(i) + 1
			tail = append(buf[i+1:], tail...)
			break
		}
		tail = append(buf, tail...)
		pos -= n
	}

	if end == size {
		return Record{length: size - start}, fmt.Errorf("unterminated tail: %w", ErrMalformedRecord)
	}
	rec, err := ParseRecord(tail)
	rec.length = size - start
	return rec, err
}

// Consume drops rec from the tail of the main list.
func (p *Pair) Consume(rec Record) error {
	size, err := fileSize(p.list)
	if err != nil {
		return err
	}
	if rec.Len() > size {
		return fmt.Errorf("record of %d bytes exceeds list of %d", rec.Len(), size)
	}
	if err := p.list.Truncate(size - rec.Len()); err != nil {
		return fmt.Errorf("truncate candidate list: %w", err)
	}
	return nil
}

// Requeue appends rec to the failed list. A partial write is rolled back.
func (p *Pair) Requeue(rec Record) error {
	size, err := fileSize(p.failed)
	if err != nil {
		return err
	}
	if _, err := p.failed.WriteAt(rec.Encode(), size); err != nil {
		_ = p.failed.Truncate(size)
		return fmt.Errorf("requeue %s: %w", rec.Name, err)
	}
	return nil
}

// MergeFailed appends the failed records to the main list in reverse, so
// the oldest failure is consumed first, then empties the failed list. An
// unterminated tail on the main list is cut first. On a write error the
// main list is restored and the failed list kept.
func (p *Pair) MergeFailed() error {
	fsize, err := fileSize(p.failed)
	if err != nil || fsize == 0 {
		return err
	}
	data := make([]byte, fsize)
	if _, err := p.failed.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read failed list: %w", err)
	}
	records := splitRecords(data)
	slices.Reverse(records)
	merged := bytes.Join(records, nil)

	lsize, err := fileSize(p.list)
	if err != nil {
		return err
	}
	boundary, err := p.lastBoundary(lsize)
	if err != nil {
		return err
	}
	if boundary < lsize {
		if err := p.list.Truncate(boundary); err != nil {
			return fmt.Errorf("truncate candidate list: %w", err)
		}
		lsize = boundary
	}
	if _, err := p.list.WriteAt(merged, lsize); err != nil {
		_ = p.list.Truncate(lsize)
		return fmt.Errorf("merge failed list: %w", err)
	}
	if err := p.failed.Truncate(0); err != nil {
		return fmt.Errorf("truncate failed list: %w", err)
	}
	return nil
}

// lastBoundary returns the offset just past the last NUL in the main list,
// or 0 when it holds none.
func (p *Pair) lastBoundary(size int64) (int64, error) {
	pos := size
	for pos > 0 {
		n := min(int64(readChunk), pos)
		buf := make([]byte, n)
		if _, err := p.list.ReadAt(buf, pos-n); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read candidate list: %w", err)
		}
		if i := bytes.LastIndexByte(buf, 0); i >= 0 {
			return pos - n + int64(i) + 1, nil
		}
		pos -= n
	}
	return 0, nil
}

// Close closes both files.
func (p *Pair) Close() error {
	return errors.Join(p.list.Close(), p.failed.Close())
}
