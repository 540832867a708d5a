package vm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Snapshot format constants
// ---------------------------------------------------------------------------

// SnapshotMagic identifies a cinder snapshot.
var SnapshotMagic = [4]byte{'C', 'N', 'D', 'R'}

// SnapshotVersion is the only version this build reads. There is no
// compatibility path for other versions.
const SnapshotVersion uint32 = 1

// chainEnd terminates the active coroutine chain.
const chainEnd uint32 = 0xFFFFFFFF

// maxBlobLen bounds a single string or byte field.
const maxBlobLen = MaxCapacity

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// SnapshotIO: one read/write mechanism for both directions
// ---------------------------------------------------------------------------

// SnapshotIO moves primitive fields in or out of a snapshot. The same
// sequence of calls saves a structure when writing and restores it when
// loading, so serializers are written once. Integers are 32-bit in native
// byte order. The first failure is sticky: later calls do nothing and Err
// reports it.
type SnapshotIO struct {
	vm      *VM
	r       *bufio.Reader
	w       *bufio.Writer
	loading bool
	err     error
}

func newSnapshotWriter(vm *VM, w io.Writer) *SnapshotIO {
	return &SnapshotIO{vm: vm, w: bufio.NewWriter(w)}
}

func newSnapshotReader(vm *VM, r io.Reader) *SnapshotIO {
	return &SnapshotIO{vm: vm, r: bufio.NewReader(r), loading: true}
}

// Loading reports whether s is restoring a snapshot.
func (s *SnapshotIO) Loading() bool { return s.loading }

// VM returns the machine being saved or restored.
func (s *SnapshotIO) VM() *VM { return s.vm }

// Err returns the first failure.
func (s *SnapshotIO) Err() error { return s.err }

// Fail records err unless a failure is already recorded.
func (s *SnapshotIO) Fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *SnapshotIO) failf(format string, args ...any) {
	s.Fail(fmt.Errorf(format, args...))
}

func (s *SnapshotIO) flush() error {
	if s.err == nil && s.w != nil {
		s.Fail(s.w.Flush())
	}
	return s.err
}

// raw moves len(p) bytes verbatim.
func (s *SnapshotIO) raw(p []byte) {
	if s.err != nil {
		return
	}
	if s.loading {
		if _, err := io.ReadFull(s.r, p); err != nil {
			s.failf("%w: %v", ErrCorruptSnapshot, err)
		}
		return
	}
	if _, err := s.w.Write(p); err != nil {
		s.Fail(err)
	}
}

// Uint32 moves one unsigned integer.
func (s *SnapshotIO) Uint32(p *uint32) {
	if s.err != nil {
		return
	}
	var buf [4]byte
	if s.loading {
		if _, err := io.ReadFull(s.r, buf[:]); err != nil {
			s.failf("%w: %v", ErrCorruptSnapshot, err)
			return
		}
		*p = binary.NativeEndian.Uint32(buf[:])
		return
	}
	binary.NativeEndian.PutUint32(buf[:], *p)
	if _, err := s.w.Write(buf[:]); err != nil {
		s.Fail(err)
	}
}

// Int32 moves one signed integer.
func (s *SnapshotIO) Int32(p *int32) {
	u := uint32(*p)
	s.Uint32(&u)
	*p = int32(u)
}

// Uint64 moves one unsigned 64-bit integer as two 32-bit halves, low first.
func (s *SnapshotIO) Uint64(p *uint64) {
	lo, hi := uint32(*p), uint32(*p>>32)
	s.Uint32(&lo)
	s.Uint32(&hi)
	*p = uint64(hi)<<32 | uint64(lo)
}

// Bool moves a flag as 0 or 1.
func (s *SnapshotIO) Bool(p *bool) {
	var u uint32
	if *p {
		u = 1
	}
	s.Uint32(&u)
	if s.loading && s.err == nil {
		if u > 1 {
			s.failf("%w: flag value %d", ErrCorruptSnapshot, u)
			return
		}
		*p = u == 1
	}
}

// Bytes moves a length-prefixed byte field. On load the length is checked
// against the allocator before any buffer is sized.
func (s *SnapshotIO) Bytes(p *[]byte) {
	n := uint32(len(*p))
	s.Uint32(&n)
	if s.err != nil {
		return
	}
	if !s.loading {
		if _, err := s.w.Write(*p); err != nil {
			s.Fail(err)
		}
		return
	}
	if n > maxBlobLen {
		s.failf("%w: field length %d", ErrCorruptSnapshot, n)
		return
	}
	if err := s.vm.alloc.check("snapshot field", int64(n)); err != nil {
		s.Fail(err)
		return
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, s.r, int64(n)); err != nil {
		s.failf("%w: %v", ErrCorruptSnapshot, err)
		return
	}
	*p = buf.Bytes()
}

// String moves a length-prefixed string.
func (s *SnapshotIO) String(p *string) {
	b := []byte(*p)
	s.Bytes(&b)
	if s.loading && s.err == nil {
		*p = string(b)
	}
}

// Value moves a tagged value. Reference validity is checked once the whole
// snapshot is loaded.
func (s *SnapshotIO) Value(p *Value) {
	kind, bits := uint32(p.kind), p.bits
	s.Uint32(&kind)
	s.Uint32(&bits)
	if !s.loading || s.err != nil {
		return
	}
	if !Kind(kind).Valid() || kind > 0xFF {
		s.failf("%w: value kind %d", ErrCorruptSnapshot, kind)
		return
	}
	*p = valueFromBits(Kind(kind), bits)
}

// CBOR moves an arbitrary host value as a canonical CBOR blob. When saving
// v is encoded; when loading the blob is decoded into v, which must be a
// pointer.
func (s *SnapshotIO) CBOR(v any) {
	if s.err != nil {
		return
	}
	var blob []byte
	if !s.loading {
		b, err := cborEncMode.Marshal(v)
		if err != nil {
			s.failf("encode host data: %w", err)
			return
		}
		blob = b
	}
	s.Bytes(&blob)
	if !s.loading || s.err != nil {
		return
	}
	if err := cbor.Unmarshal(blob, v); err != nil {
		s.failf("%w: decode host data: %v", ErrCorruptSnapshot, err)
	}
}

// capacity moves a table or stack capacity, rejecting anything that is not
// a power of two within the address space before the caller allocates.
func (s *SnapshotIO) capacity(what string, p *uint32) {
	s.Uint32(p)
	if s.loading && s.err == nil && !validCapacity(*p) {
		s.failf("%w: %s capacity %d", ErrBadCapacity, what, *p)
	}
}

// count moves an element count, bounded by the address space.
func (s *SnapshotIO) count(what string, p *uint32) {
	s.Uint32(p)
	if s.loading && s.err == nil && *p > MaxCapacity {
		s.failf("%w: %s count %d", ErrCorruptSnapshot, what, *p)
	}
}
