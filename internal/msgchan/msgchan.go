// Package msgchan is the named FIFO the controller uses to tell a running
// daemon to reload its watermarks or exit.
package msgchan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Message is a control message written to the channel as a single
// fixed-size record.
type Message uint32

const (
	// None only opens the channel.
	None Message = iota
	// Reload asks the daemon to reread the watermark store.
	Reload
	// Exit asks the daemon to stop once its workers finish.
	Exit
)

const recordSize = 4

// ErrUnknownMessage is returned for records outside the known set.
var ErrUnknownMessage = errors.New("unknown control message")

func (m Message) String() string {
	switch m {
	case None:
		return "none"
	case Reload:
		return "reload"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("message(%d)", uint32(m))
	}
}

// Path returns the channel path for the store name inside dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".msg")
}

// Open creates the FIFO when missing and opens it read-write and
// non-blocking, so neither end waits for a peer.
func Open(path string) (*os.File, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("create message channel %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat message channel: %w", err)
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("%s is not a fifo: %w", path, unix.EINVAL)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open message channel %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// Encode returns the wire form of m.
func Encode(m Message) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(b, uint32(m))
	return b
}

// Decode parses one record.
func Decode(b []byte) (Message, error) {
	if len(b) != recordSize {
		return None, fmt.Errorf("short record of %d bytes: %w", len(b), ErrUnknownMessage)
	}
	m := Message(binary.LittleEndian.Uint32(b))
	if m > Exit {
		return None, fmt.Errorf("%d: %w", uint32(m), ErrUnknownMessage)
	}
	return m, nil
}

// Read blocks for the next message on r.
func Read(r io.Reader) (Message, error) {
	b := make([]byte, recordSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return None, err
	}
	return Decode(b)
}

// Prober reports whether the daemon has let go of the backend's pressure
// channel.
type Prober interface {
	NotifierReleased(ctx context.Context) (bool, error)
}

// WaitOptions bounds how long Send waits after Exit.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultWait matches the daemon's worst-case drain time.
var DefaultWait = WaitOptions{Timeout: 15 * time.Second, Interval: 100 * time.Microsecond}

// Send writes m to the channel at path. For Exit it then polls prober until
// the daemon released the pressure channel, the backend reports it has
// none, or the wait expires. Expiry is not an error.
func Send(ctx context.Context, path string, m Message, prober Prober, wait WaitOptions) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if m == None {
		return nil
	}
	if _, err := f.Write(Encode(m)); err != nil {
		return fmt.Errorf("send %s: %w", m, err)
	}
	if m != Exit || prober == nil {
		return nil
	}
	WaitForRelease(ctx, prober, wait)
	return nil
}

// WaitForRelease polls prober until it reports release or an error, the
// timeout passes or ctx ends.
func WaitForRelease(ctx context.Context, prober Prober, wait WaitOptions) bool {
	if wait.Interval <= 0 {
		wait.Interval = DefaultWait.Interval
	}
	deadline := time.Now().Add(wait.Timeout)
	for {
		released, err := prober.NotifierReleased(ctx)
		if released || err != nil {
			return released
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait.Interval):
		}
	}
}
