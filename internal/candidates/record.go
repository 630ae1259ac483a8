package candidates

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedRecord is returned for a list record that cannot be parsed.
// The accompanying Record still carries the byte length to consume.
var ErrMalformedRecord = errors.New("malformed candidate record")

// ErrEmpty is returned by TakeLast when the list has no records.
var ErrEmpty = errors.New("candidate list empty")

// Record is one candidate: "atime size name" terminated by NUL.
type Record struct {
	Atime string
	Size  int64
	Name  string

	length int64
}

// Len is the on-disk length of the record including its terminator.
func (r Record) Len() int64 {
	if r.length > 0 {
		return r.length
	}
	return int64(len(r.Encode()))
}

// Encode returns the on-disk form.
func (r Record) Encode() []byte {
	return fmt.Appendf(nil, "%s %d %s\x00", r.Atime, r.Size, r.Name)
}

// ParseRecord parses one record body without its terminator.
func ParseRecord(body []byte) (Record, error) {
	rec := Record{length: int64(len(body)) + 1}
	atime, rest, ok := bytes.Cut(body, []byte{' '})
	if !ok || len(atime) == 0 {
		return rec, fmt.Errorf("%q: %w", body, ErrMalformedRecord)
	}
	size, name, ok := bytes.Cut(rest, []byte{' '})
	if !ok || len(name) == 0 {
		return rec, fmt.Errorf("%q: %w", body, ErrMalformedRecord)
	}
	n, err := strconv.ParseInt(string(size), 10, 64)
	if err != nil || n < 0 {
		return rec, fmt.Errorf("%q: bad size: %w", body, ErrMalformedRecord)
	}
	rec.Atime = string(atime)
	rec.Size = n
	rec.Name = string(name)
	return rec, nil
}

// splitRecords splits a buffer of NUL-terminated records; a trailing
// unterminated fragment is dropped.
func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, 0)
		if i < 0 {
			break
		}
		out = append(out, data[:i+1])
		data = data[i+1:]
	}
	return out
}
