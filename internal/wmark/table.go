// Package wmark holds the per-branch watermark table shared between the
// controller, the daemon and its workers.
//
// The table is a flat little-endian record: an 8 byte magic, an xxhash64
// checksum over everything after the checksum field, the entry count and a
// packed array of entries sorted by branch id. Unused slots carry branch id
// FreeSlot and sort first.
package wmark

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"

	"aufhsm/internal/backend"
)

const (
	magic      = "AUFHSMWM"
	offCsum    = 8
	offCount   = 16
	headerSize = 24
	entrySize  = 24

	// FreeSlot marks an unused table entry.
	FreeSlot = -1
)

var (
	// ErrAlreadyExists is returned by Create when the backing object exists.
	ErrAlreadyExists = errors.New("watermark store already exists")
	// ErrCorruptStore is returned when the table fails verification.
	ErrCorruptStore = errors.New("watermark store corrupt")
	// ErrNotFound is returned when no store exists for a mount.
	ErrNotFound = errors.New("watermark store not found")
	// ErrTableFull is returned when a participant has no free slot.
	ErrTableFull = errors.New("watermark table has no free slot")
)

// Corridor is a watermark pair expressed as free ratios. Migration starts
// when free space drops below Upper and stops once it reaches Lower.
type Corridor struct {
	Upper float32
	Lower float32
}

// Disabled reports whether the corridor never triggers.
func (c Corridor) Disabled() bool {
	return c.Upper >= 1
}

// Validate checks the corridor bounds.
func (c Corridor) Validate() error {
	if c.Upper < 0 || c.Lower > 1 || c.Upper > c.Lower {
		return fmt.Errorf("invalid corridor %.2f-%.2f", c.Upper, c.Lower)
	}
	return nil
}

// CorridorFromPercent converts an in-use percentage pair into free ratios.
func CorridorFromPercent(upper, lower float64) (Corridor, error) {
	if upper < 0 || upper > 100 || lower < 0 || lower > 100 {
		return Corridor{}, fmt.Errorf("watermark %g-%g out of range 0..100", upper, lower)
	}
	if upper < lower {
		return Corridor{}, fmt.Errorf("watermark %g-%g: upper below lower", upper, lower)
	}
	return Corridor{
		Upper: float32((100 - upper) / 100),
		Lower: float32((100 - lower) / 100),
	}, nil
}

// Percent returns the corridor as in-use percentages.
func (c Corridor) Percent() (upper, lower float64) {
	round := func(v float32) float64 {
		return math.Round((100-float64(v)*100)*100) / 100
	}
	return round(c.Upper), round(c.Lower)
}

// Defaults seeds entries for branches that have none.
type Defaults struct {
	Block Corridor
	Inode Corridor
}

// DefaultCorridors starts migration below 25% free blocks, stops at 50% and
// leaves inode pressure disabled.
var DefaultCorridors = Defaults{
	Block: Corridor{Upper: 0.25, Lower: 0.5},
	Inode: Corridor{Upper: 1, Lower: 1},
}

// Entry is the watermark configuration of one branch.
type Entry struct {
	BranchID int
	Block    Corridor
	Inode    Corridor
}

// Table is a view over an encoded watermark table.
type Table struct {
	buf []byte
}

// Size returns the encoded size of a table with count entries.
func Size(count int) int {
	return headerSize + count*entrySize
}

// NewTable returns an initialized, unsigned table with count free slots.
func NewTable(count int) *Table {
	t := &Table{buf: make([]byte, Size(count))}
	t.rebuild(count, nil)
	return t
}

// Decode copies b and verifies it.
func Decode(b []byte) (*Table, error) {
	t := &Table{buf: slices.Clone(b)}
	if err := t.Verify(); err != nil {
		return nil, err
	}
	return t, nil
}

// Bytes returns a copy of the encoded table.
func (t *Table) Bytes() []byte {
	return slices.Clone(t.buf)
}

// Clone returns a private deep copy.
func (t *Table) Clone() *Table {
	return &Table{buf: slices.Clone(t.buf)}
}

// Len returns the number of slots.
func (t *Table) Len() int {
	if len(t.buf) < headerSize {
		return 0
	}
	return int(int32(binary.LittleEndian.Uint32(t.buf[offCount:])))
}

// Entry returns slot i.
func (t *Table) Entry(i int) Entry {
	off := headerSize + i*entrySize
	b := t.buf[off : off+entrySize]
	f := func(o int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b[o:])) }
	return Entry{
		BranchID: int(int32(binary.LittleEndian.Uint32(b[0:]))),
		Block:    Corridor{Upper: f(4), Lower: f(8)},
		Inode:    Corridor{Upper: f(12), Lower: f(16)},
	}
}

// Set overwrites slot i.
func (t *Table) Set(i int, e Entry) {
	off := headerSize + i*entrySize
	b := t.buf[off : off+entrySize]
	binary.LittleEndian.PutUint32(b[0:], uint32(int32(e.BranchID)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(e.Block.Upper))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(e.Block.Lower))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(e.Inode.Upper))
	binary.LittleEndian.PutUint32(b[16:], math.Float32bits(e.Inode.Lower))
	binary.LittleEndian.PutUint32(b[20:], 0)
}

// Entries returns every slot in table order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, t.Len())
	for i := range out {
		out[i] = t.Entry(i)
	}
	return out
}

// Index returns the slot holding brid by linear scan, or -1.
func (t *Table) Index(brid int) int {
	for i := 0; i < t.Len(); i++ {
		if t.Entry(i).BranchID == brid {
			return i
		}
	}
	return -1
}

// Search finds brid by binary search. The table must be sorted.
func (t *Table) Search(brid int) (Entry, bool) {
	n := t.Len()
	i := sort.Search(n, func(i int) bool { return t.Entry(i).BranchID >= brid })
	if i < n {
		if e := t.Entry(i); e.BranchID == brid {
			return e, true
		}
	}
	return Entry{}, false
}

// Sort orders slots by branch id; free slots come first.
func (t *Table) Sort() {
	entries := t.Entries()
	slices.SortStableFunc(entries, func(a, b Entry) int { return a.BranchID - b.BranchID })
	for i, e := range entries {
		t.Set(i, e)
	}
}

func (t *Table) checksum() uint64 {
	return xxhash.Sum64(t.buf[offCount:])
}

// Sign stores the checksum of the current contents.
func (t *Table) Sign() {
	binary.LittleEndian.PutUint64(t.buf[offCsum:], t.checksum())
}

// Verify checks magic, size and checksum.
func (t *Table) Verify() error {
	if len(t.buf) < headerSize || string(t.buf[:len(magic)]) != magic {
		return fmt.Errorf("bad header: %w", ErrCorruptStore)
	}
	if n := t.Len(); n < 0 || len(t.buf) != Size(n) {
		return fmt.Errorf("size %d does not match %d entries: %w", len(t.buf), n, ErrCorruptStore)
	}
	if binary.LittleEndian.Uint64(t.buf[offCsum:]) != t.checksum() {
		return fmt.Errorf("checksum mismatch: %w", ErrCorruptStore)
	}
	return nil
}

// rebuild rewrites the header for count slots, places keep first and marks
// the rest free. buf must already be Size(count) long.
func (t *Table) rebuild(count int, keep []Entry) {
	copy(t.buf, magic)
	binary.LittleEndian.PutUint64(t.buf[offCsum:], 0)
	binary.LittleEndian.PutUint32(t.buf[offCount:], uint32(int32(count)))
	binary.LittleEndian.PutUint32(t.buf[offCount+4:], 0)
	for i := 0; i < count; i++ {
		if i < len(keep) {
			t.Set(i, keep[i])
			continue
		}
		t.Set(i, Entry{BranchID: FreeSlot, Block: DefaultCorridors.Block, Inode: DefaultCorridors.Inode})
	}
}

// Invalidate frees every entry whose branch is no longer a participant and
// returns how many were freed.
func (t *Table) Invalidate(branches []backend.Branch) int {
	present := make(map[int]bool, len(branches))
	for _, br := range backend.Participants(branches) {
		present[br.ID] = true
	}
	freed := 0
	for i := 0; i < t.Len(); i++ {
		e := t.Entry(i)
		if e.BranchID != FreeSlot && !present[e.BranchID] {
			e.BranchID = FreeSlot
			t.Set(i, e)
			freed++
		}
	}
	return freed
}

// Reconcile gives every participant without an entry a free slot, seeded
// from the nearest participant above it or from defaults, then sorts.
func (t *Table) Reconcile(branches []backend.Branch, defaults Defaults) error {
	seed := Entry{Block: defaults.Block, Inode: defaults.Inode}
	for _, br := range backend.Participants(branches) {
		if i := t.Index(br.ID); i >= 0 {
			seed = t.Entry(i)
			continue
		}
		slot := t.Index(FreeSlot)
		if slot < 0 {
			return fmt.Errorf("branch %d (%s): %w", br.ID, br.Path, ErrTableFull)
		}
		e := seed
		e.BranchID = br.ID
		t.Set(slot, e)
	}
	t.Sort()
	return nil
}

// retained returns the non-free entries in table order.
func (t *Table) retained() []Entry {
	var keep []Entry
	for _, e := range t.Entries() {
		if e.BranchID != FreeSlot {
			keep = append(keep, e)
		}
	}
	return keep
}

// SetBlock sets the block corridor of brid.
func (t *Table) SetBlock(brid int, c Corridor) error {
	i := t.Index(brid)
	if i < 0 {
		return fmt.Errorf("branch %d: %w", brid, ErrNotFound)
	}
	e := t.Entry(i)
	e.Block = c
	t.Set(i, e)
	return nil
}

// SetInode sets the inode corridor of brid.
func (t *Table) SetInode(brid int, c Corridor) error {
	i := t.Index(brid)
	if i < 0 {
		return fmt.Errorf("branch %d: %w", brid, ErrNotFound)
	}
	e := t.Entry(i)
	e.Inode = c
	t.Set(i, e)
	return nil
}

// SetAll applies c to every occupied slot's block or inode corridor.
func (t *Table) SetAll(c Corridor, inode bool) {
	for i := 0; i < t.Len(); i++ {
		e := t.Entry(i)
		if e.BranchID == FreeSlot {
			continue
		}
		if inode {
			e.Inode = c
		} else {
			e.Block = c
		}
		t.Set(i, e)
	}
}
