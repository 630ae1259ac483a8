//go:build linux

package wmark

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"aufhsm/internal/backend"
)

// Name derives the store name from the mount root's device and inode.
func Name(dev, ino uint64) string {
	return fmt.Sprintf("aufhsm-%04x%04x-%d", unix.Major(dev), unix.Minor(dev), ino)
}

// Path returns the backing object path of name inside dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name)
}

// Store is a writable, exclusively locked, memory mapped watermark table.
type Store struct {
	path  string
	file  *os.File
	lock  *flock.Flock
	data  []byte
	table *Table
}

// Create makes a new store sized for the participants in branches. It fails
// with ErrAlreadyExists when the backing object exists.
func Create(dir, name string, branches []backend.Branch, defaults Defaults) (*Store, error) {
	path := Path(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create watermark store: %w", err)
	}
	s, err := attach(path, file)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	count := len(backend.Participants(branches))
	if err := s.remap(count); err != nil {
		s.Close()
		_ = os.Remove(path)
		return nil, err
	}
	s.table.rebuild(count, nil)
	if err := s.table.Reconcile(branches, defaults); err != nil {
		s.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return s, nil
}

// Open maps an existing store for writing. A table failing verification
// is still returned together with ErrCorruptStore and must be closed by the
// caller.
func Open(dir, name string) (*Store, error) {
	path := Path(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open watermark store: %w", err)
	}
	s, err := attach(path, file)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("stat watermark store: %w", err)
	}
	if info.Size() < headerSize {
		return s, fmt.Errorf("%s: truncated: %w", path, ErrCorruptStore)
	}
	if err := s.mapExisting(int(info.Size())); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.table.Verify(); err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Ensure opens the store for mount name, creating it when missing and
// resizing it to the current participants otherwise. changed reports
// whether the table contents differ from what was stored before. A store
// failing verification is never repaired here; it must be unlinked first.
func Ensure(dir, name string, branches []backend.Branch, defaults Defaults) (s *Store, changed bool, err error) {
	s, err = Create(dir, name, branches, defaults)
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return nil, false, err
	}
	s, err = Open(dir, name)
	if err != nil {
		if s != nil {
			s.Close()
		}
		return nil, false, err
	}
	changed, err = s.Resize(len(backend.Participants(branches)), branches, defaults)
	if err != nil {
		s.Close()
		return nil, false, err
	}
	return s, changed, nil
}

// Load reads and verifies a private copy of the table without locking.
func Load(dir, name string) (*Table, error) {
	path := Path(dir, name)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read watermark store: %w", err)
	}
	t, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Unlink removes the backing object. A missing object is not an error.
func Unlink(dir, name string) error {
	if err := os.Remove(Path(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove watermark store: %w", err)
	}
	return nil
}

func attach(path string, file *os.File) (*Store, error) {
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		file.Close()
		return nil, fmt.Errorf("lock watermark store: %w", err)
	}
	return &Store{path: path, file: file, lock: lock}, nil
}

func (s *Store) mapExisting(size int) error {
	data, err := unix.Mmap(int(s.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map watermark store: %w", err)
	}
	s.data = data
	s.table = &Table{buf: data}
	return nil
}

// remap resizes the backing object and mapping to hold count entries.
func (s *Store) remap(count int) error {
	size := Size(count)
	if s.data == nil {
		if err := s.file.Truncate(int64(size)); err != nil {
			return fmt.Errorf("size watermark store: %w", err)
		}
		return s.mapExisting(size)
	}
	if size == len(s.data) {
		return nil
	}
	if size > len(s.data) {
		if err := s.file.Truncate(int64(size)); err != nil {
			return fmt.Errorf("grow watermark store: %w", err)
		}
	}
	data, err := unix.Mremap(s.data, size, unix.MREMAP_MAYMOVE)
	if err != nil {
		return fmt.Errorf("remap watermark store: %w", err)
	}
	if size < len(s.data) {
		if err := s.file.Truncate(int64(size)); err != nil {
			return fmt.Errorf("shrink watermark store: %w", err)
		}
	}
	s.data = data
	s.table = &Table{buf: data}
	return nil
}

// Resize sets the slot count, frees entries of departed branches and gives
// every current participant an entry. Retained entries keep their order.
func (s *Store) Resize(count int, branches []backend.Branch, defaults Defaults) (bool, error) {
	before := bytes.Clone(s.data)
	s.table.Invalidate(branches)
	keep := s.table.retained()
	if len(keep) > count {
		return false, fmt.Errorf("resize to %d slots would drop %d entries", count, len(keep)-count)
	}
	if err := s.remap(count); err != nil {
		return false, err
	}
	s.table.rebuild(count, keep)
	if err := s.table.Reconcile(branches, defaults); err != nil {
		return false, err
	}
	after := s.data
	// the checksum is stale until Sign, compare contents only
	changed := len(before) != len(after) || !bytes.Equal(before[offCount:], after[offCount:])
	if !changed {
		copy(s.data[offCsum:offCount], before[offCsum:offCount])
	}
	return changed, nil
}

// Table returns the mapped table. Writes go straight to the shared object.
func (s *Store) Table() *Table {
	return s.table
}

// Path returns the backing object path.
func (s *Store) Path() string {
	return s.path
}

// Close unmaps the table and releases the lock.
func (s *Store) Close() error {
	var errs []error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("unmap watermark store: %w", err))
		}
		s.data = nil
		s.table = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlock watermark store: %w", err))
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
