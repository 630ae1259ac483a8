//go:build linux

package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SuperMagic is the statfs f_type of an aufs mount.
const SuperMagic = 0x61756673

const (
	ctlType = 'A'

	ctlWbrFD  = 2
	ctlMvdown = 4
	ctlBrinfo = 5
	ctlFhsmFD = 6

	iocWrite = 1
	iocRead  = 2

	brinfoSize = 4096
	stbrSize   = 40
)

// move-down request and result flags
const (
	mvdownOwLower     = 1 << 1
	mvdownBridUpper   = 1 << 7
	mvdownBridLower   = 1 << 8
	mvdownFhsmLower   = 1 << 9
	mvdownStfs        = 1 << 10
	mvdownStfsFailed  = 1 << 11
	mvdownBottom      = 1 << 12
	mvdownUpperIndex  = 0
	mvdownLowerIndex  = 1
	mvdownArrayLength = 2
)

var mvdownReasons = map[int8]string{
	1: ReasonOpaque,
	2: ReasonWhiteout,
	3: ReasonUpper,
	4: ReasonBottom,
	5: ReasonNoUpper,
	6: ReasonNoLowerBr,
}

type aufsStfs struct {
	Blocks uint64
	Bavail uint64
	Files  uint64
	Ffree  uint64
}

type aufsStbr struct {
	Brid   int16
	Bindex int16
	_      [4]byte
	Stfs   aufsStfs
}

type aufsMvdown struct {
	Flags   uint32
	_       [4]byte
	Stbr    [mvdownArrayLength]aufsStbr
	AuErrno int8
	_       [7]byte
}

type aufsWbrFD struct {
	Oflags uint32
	Brid   int16
	_      [2]byte
}

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | ctlType<<8 | nr
}

var (
	reqWbrFD  = ioc(iocWrite, ctlWbrFD, unsafe.Sizeof(aufsWbrFD{}))
	reqMvdown = ioc(iocWrite|iocRead, ctlMvdown, unsafe.Sizeof(aufsMvdown{}))
	reqBrinfo = ioc(iocWrite, ctlBrinfo, brinfoSize)
	reqFhsmFD = ioc(iocWrite, ctlFhsmFD, unsafe.Sizeof(int32(0)))
)

func ioctl(fd int, req uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

func (s aufsStfs) usage() Usage {
	return Usage{Blocks: s.Blocks, BlocksAvail: s.Bavail, Files: s.Files, FilesFree: s.Ffree}
}

// Aufs drives a mounted aufs filesystem through its control ioctls.
type Aufs struct {
	mount string
	root  *os.File
}

// Open verifies that mount is an aufs mount and opens its root.
func Open(mount string) (*Aufs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mount, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", mount, err)
	}
	if uint32(st.Type) != SuperMagic {
		return nil, fmt.Errorf("%s: not an aufs mount: %w", mount, syscall.EINVAL)
	}
	fd, err := unix.Open(mount, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mount, err)
	}
	return &Aufs{mount: mount, root: os.NewFile(uintptr(fd), mount)}, nil
}

// Close releases the mount root.
func (a *Aufs) Close() error {
	return a.root.Close()
}

// Mount returns the mount point path.
func (a *Aufs) Mount() string {
	return a.mount
}

func (a *Aufs) rootFD() int {
	return int(a.root.Fd())
}

// Identity implements Backend.
func (a *Aufs) Identity() (uint64, uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(a.rootFD(), &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", a.mount, err)
	}
	return uint64(st.Dev), st.Ino, nil
}

// Branches implements Backend.
func (a *Aufs) Branches(ctx context.Context) ([]Branch, error) {
	n, err := ioctl(a.rootFD(), reqBrinfo, 0)
	if err != nil {
		return nil, fmt.Errorf("branch count: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n*brinfoSize)
	n, err = ioctl(a.rootFD(), reqBrinfo, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return nil, fmt.Errorf("branch info: %w", err)
	}
	if n*brinfoSize > len(buf) {
		// branches were added between the two calls
		return a.Branches(ctx)
	}
	branches := make([]Branch, 0, n)
	for i := 0; i < n; i++ {
		rec := buf[i*brinfoSize : (i+1)*brinfoSize]
		path := rec[8:]
		if end := bytes.IndexByte(path, 0); end >= 0 {
			path = path[:end]
		}
		branches = append(branches, Branch{
			ID:   int(int16(binary.NativeEndian.Uint16(rec[0:2]))),
			Perm: Perm(binary.NativeEndian.Uint32(rec[4:8])),
			Path: string(path),
		})
	}
	return branches, nil
}

func (a *Aufs) branchFD(brid int) (int, error) {
	arg := aufsWbrFD{
		Oflags: unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC,
		Brid:   int16(brid),
	}
	fd, err := ioctl(a.rootFD(), reqWbrFD, uintptr(unsafe.Pointer(&arg)))
	if err != nil {
		return -1, fmt.Errorf("branch %d root: %w", brid, err)
	}
	return fd, nil
}

// OpenBranch implements Backend.
func (a *Aufs) OpenBranch(_ context.Context, brid int) (*os.File, error) {
	fd, err := a.branchFD(brid)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("branch-%d", brid)), nil
}

// Usage implements Backend.
func (a *Aufs) Usage(_ context.Context, brid int) (Usage, error) {
	fd, err := a.branchFD(brid)
	if err != nil {
		return Usage{}, err
	}
	defer unix.Close(fd)
	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs branch %d: %w", brid, err)
	}
	return Usage{Blocks: st.Blocks, BlocksAvail: st.Bavail, Files: st.Files, FilesFree: st.Ffree}, nil
}

// MoveDown implements Backend.
func (a *Aufs) MoveDown(_ context.Context, brid int, name string) (MoveResult, error) {
	fd, err := unix.Openat(a.rootFD(), name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) && errno == syscall.ELOOP {
			return MoveResult{}, &MoveError{Kind: MoveIneligible, Reason: "symbolic link", Errno: errno}
		}
		if errors.As(err, &errno) {
			return MoveResult{}, ClassifyErrno(errno, "", 0)
		}
		return MoveResult{}, err
	}
	defer unix.Close(fd)

	arg := aufsMvdown{Flags: mvdownFhsmLower | mvdownOwLower | mvdownStfs}
	arg.Stbr[mvdownUpperIndex].Brid = int16(brid)
	if _, err := ioctl(fd, reqMvdown, uintptr(unsafe.Pointer(&arg))); err != nil {
		errno, _ := err.(syscall.Errno)
		var links uint64
		if errno == syscall.EBUSY {
			var st unix.Stat_t
			if unix.Fstat(fd, &st) == nil {
				links = uint64(st.Nlink)
			}
		}
		return MoveResult{}, ClassifyErrno(errno, mvdownReasons[arg.AuErrno], links)
	}

	upper, lower := arg.Stbr[mvdownUpperIndex], arg.Stbr[mvdownLowerIndex]
	return MoveResult{
		SrcID:      int(upper.Brid),
		DstID:      int(lower.Brid),
		SrcUsage:   upper.Stfs.usage(),
		DstUsage:   lower.Stfs.usage(),
		UsageValid: arg.Flags&mvdownStfsFailed == 0,
		Bottom:     arg.Flags&mvdownBottom != 0,
	}, nil
}

func (a *Aufs) fhsmFD(oflags int) (int, error) {
	return ioctl(a.rootFD(), reqFhsmFD, uintptr(oflags))
}

// Notifications implements Backend.
func (a *Aufs) Notifications() (Notifier, error) {
	fd, err := a.fhsmFD(unix.O_RDONLY | unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		if errors.Is(err, syscall.EOPNOTSUPP) || errors.Is(err, syscall.EPERM) {
			return nil, fmt.Errorf("%s: %w", a.mount, ErrNotSupported)
		}
		return nil, fmt.Errorf("claim pressure channel: %w", err)
	}
	return &aufsNotifier{file: os.NewFile(uintptr(fd), "aufs-fhsm")}, nil
}

// NotifierReleased implements Backend.
func (a *Aufs) NotifierReleased(context.Context) (bool, error) {
	fd, err := a.fhsmFD(unix.O_RDONLY | unix.O_CLOEXEC)
	switch {
	case err == nil:
		unix.Close(fd)
		return true, nil
	case errors.Is(err, syscall.EOPNOTSUPP), errors.Is(err, syscall.EPERM):
		return false, ErrNotSupported
	default:
		return false, nil
	}
}

type aufsNotifier struct {
	file *os.File
	raw  []byte
}

func (n *aufsNotifier) Read(buf []BranchUsage) (int, error) {
	if need := len(buf) * stbrSize; cap(n.raw) < need {
		n.raw = make([]byte, need)
	}
	raw := n.raw[:len(buf)*stbrSize]
	got, err := n.file.Read(raw)
	if err != nil {
		if errors.Is(err, syscall.EMSGSIZE) {
			return 0, ErrBatchTooLarge
		}
		return 0, err
	}
	count := got / stbrSize
	for i := 0; i < count; i++ {
		rec := raw[i*stbrSize:]
		buf[i] = BranchUsage{
			BranchID: int(int16(binary.NativeEndian.Uint16(rec[0:2]))),
			Usage: Usage{
				Blocks:      binary.NativeEndian.Uint64(rec[8:16]),
				BlocksAvail: binary.NativeEndian.Uint64(rec[16:24]),
				Files:       binary.NativeEndian.Uint64(rec[24:32]),
				FilesFree:   binary.NativeEndian.Uint64(rec[32:40]),
			},
		}
	}
	return count, nil
}

func (n *aufsNotifier) Close() error {
	return n.file.Close()
}

var _ Backend = (*Aufs)(nil)
