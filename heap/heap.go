package heap

import (
	"math/bits"
	"os"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/go-memkit/memkit"
	"golang.org/x/exp/slog"
)

// debugEnvVar enables verbose chunk-level logging when set in the environment. It is
// read once, when the heap is created.
const debugEnvVar = "MEMKIT_DEBUG"

// Strategy selects how the free list is searched for a chunk to satisfy an allocation.
type Strategy uint32

const (
	// StrategyBestFit scans the entire free list and picks the chunk with the least
	// excess capacity. Slower searches, less long-term fragmentation. This is the
	// default.
	StrategyBestFit Strategy = iota
	// StrategyFirstFit picks the first chunk that is large enough. Faster searches at
	// the cost of allocation quality.
	StrategyFirstFit
)

var strategyMapping = map[Strategy]string{
	StrategyBestFit:  "BestFit",
	StrategyFirstFit: "FirstFit",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}

// Pointer is an opaque handle to the payload of a live allocation: the payload's byte
// offset within the heap segment. It stays valid across segment growth, even when the
// underlying region moves.
type Pointer int

// NilPointer is returned alongside errors. No valid payload ever has offset 0; the
// first chunk of the first grown range starts behind a sentinel tag.
const NilPointer Pointer = 0

// Heap is a dynamic-memory allocator over a single contiguous region of address space
// claimed from a SegmentSource. Memory is carved into chunks bounded by mirrored
// header/footer tags; free chunks are threaded onto an intrusive circular free list.
//
// A Heap is strictly single-threaded: no method may be invoked concurrently. Callers
// that need concurrent access must layer their own mutual exclusion on top. Claimed
// address space is never returned to the operating system.
type Heap struct {
	mem []byte
	// hwm is the high-water mark: the number of bytes ever claimed. Always len(mem).
	hwm      int
	segments int

	source   SegmentSource
	pageSize int
	strategy Strategy

	logger  *slog.Logger
	verbose bool

	anchorPrev int
	anchorNext int
	freeCount  int
	freeBytes  int

	allocCount int
	// live maps payload offsets of outstanding allocations to their most recently
	// requested sizes. It backs bad-pointer diagnostics and Validate cross-checks.
	live *swiss.Map[int, int]
}

type Option func(*Heap)

// WithLogger directs the heap's diagnostic output to the provided logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Heap) {
		h.logger = logger
	}
}

// WithSegmentSource makes the heap claim address space from the provided source instead
// of the platform default.
func WithSegmentSource(source SegmentSource) Option {
	return func(h *Heap) {
		h.source = source
	}
}

// WithStrategy selects the free-list search policy.
func WithStrategy(strategy Strategy) Option {
	return func(h *Heap) {
		h.strategy = strategy
	}
}

// New creates an empty Heap. No address space is claimed until the first allocation
// that cannot be satisfied, which is every first allocation.
func New(opts ...Option) (*Heap, error) {
	h := &Heap{
		verbose: os.Getenv(debugEnvVar) != "",
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.source == nil {
		h.source = newDefaultSource()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	h.pageSize = h.source.PageSize()
	err := memkit.CheckPow2(uint(h.pageSize), "page size")
	if err != nil {
		return nil, err
	}

	h.flInit()
	h.live = swiss.NewMap[int, int](64)

	return h, nil
}

// Alloc returns a pointer to an uninitialized payload of at least size bytes. Requests
// below the minimum payload are clamped up to it. A negative size is an error.
func (h *Heap) Alloc(size int) (Pointer, error) {
	if size < 0 {
		return NilPointer, cerrors.Wrapf(ErrNegativeSize, "requested %d bytes", size)
	}
	if size < MinPayload {
		size = MinPayload
	}
	if int64(size) > maxTagPayload {
		return NilPointer, cerrors.Wrapf(ErrSizeOverflow, "requested %d bytes", size)
	}

	memkit.DebugValidate(h)

	chunk := h.findFit(size)
	if chunk == anchorOff {
		var err error
		chunk, err = h.grow(size)
		if err != nil {
			return NilPointer, err
		}
	}

	// Trim any excess into a new free chunk. When the excess is too small to stand on
	// its own the whole chunk is handed out instead.
	h.split(chunk, size)

	h.flRemove(chunk)
	h.setTag(chunk, uint32(h.chunkSize(chunk)))

	payload := chunk + tagBytes
	h.live.Put(payload, size)
	h.allocCount++

	h.logChunk("alloc", chunk)

	return Pointer(payload), nil
}

// AllocZeroed allocates count*elemSize bytes and zero-fills the entire payload before
// returning it. The multiplication is checked: overflow is an error, never a
// short allocation.
func (h *Heap) AllocZeroed(count, elemSize int) (Pointer, error) {
	if count < 0 || elemSize < 0 {
		return NilPointer, cerrors.Wrapf(ErrNegativeSize, "requested %d elements of %d bytes", count, elemSize)
	}

	hi, total := bits.Mul64(uint64(count), uint64(elemSize))
	if hi != 0 || total > uint64(maxInt) {
		return NilPointer, cerrors.Wrapf(ErrSizeOverflow, "%d elements of %d bytes", count, elemSize)
	}

	p, err := h.Alloc(int(total))
	if err != nil {
		return NilPointer, err
	}

	// The chunk may be recycled memory; clear its full capacity, not just the request.
	payload := h.payloadSize(int(p) - tagBytes)
	zeroFill(h.mem[int(p) : int(p)+payload])

	return p, nil
}

// Realloc returns a pointer to a payload of at least newSize bytes holding the first
// min(oldSize, newSize) bytes of p's payload. When p's chunk already has the capacity,
// p itself is returned; no attempt is made to shrink, by contract. Otherwise the data
// moves to a fresh allocation and p is released.
func (h *Heap) Realloc(p Pointer, newSize int) (Pointer, error) {
	if newSize < 0 {
		return NilPointer, cerrors.Wrapf(ErrNegativeSize, "requested %d bytes", newSize)
	}

	chunk := int(p) - tagBytes
	err := h.checkChunk(chunk)
	if err != nil {
		return NilPointer, err
	}
	if _, ok := h.live.Get(int(p)); !ok || h.chunkIsFree(chunk) {
		return NilPointer, cerrors.Wrapf(ErrBadPointer, "offset %d", int(p))
	}

	oldPayload := h.payloadSize(chunk)
	if oldPayload >= newSize {
		h.live.Put(int(p), newSize)
		return p, nil
	}

	q, err := h.Alloc(newSize)
	if err != nil {
		return NilPointer, err
	}

	n := minInt(oldPayload, newSize)
	copy(h.mem[int(q):int(q)+n], h.mem[int(p):int(p)+n])

	err = h.Free(p)
	if err != nil {
		return NilPointer, err
	}

	return q, nil
}

// Free marks p's chunk reusable, inserts it into the free list, and coalesces it with
// free physical neighbors. Releasing a pointer twice is reported as ErrDoubleFree and
// changes nothing.
func (h *Heap) Free(p Pointer) error {
	memkit.DebugValidate(h)

	chunk := int(p) - tagBytes
	err := h.checkChunk(chunk)
	if err != nil {
		return err
	}
	if h.chunkIsFree(chunk) {
		return cerrors.Wrapf(ErrDoubleFree, "chunk at offset %d", chunk)
	}
	if _, ok := h.live.Get(int(p)); !ok {
		return cerrors.Wrapf(ErrBadPointer, "offset %d was not returned by this heap", int(p))
	}

	h.live.Delete(int(p))
	h.allocCount--

	h.setTag(chunk, uint32(h.chunkSize(chunk))|flagFree)
	h.flInsert(chunk)
	chunk = h.coalesce(chunk)

	h.logChunk("free", chunk)

	return nil
}

// DupString allocates exactly enough payload for s plus a NUL terminator and copies
// s into it.
func (h *Heap) DupString(s string) (Pointer, error) {
	p, err := h.Alloc(len(s) + 1)
	if err != nil {
		return NilPointer, err
	}

	off := int(p)
	copy(h.mem[off:off+len(s)], s)
	h.mem[off+len(s)] = 0

	return p, nil
}

// DupBytes allocates a payload for b and copies b into it.
func (h *Heap) DupBytes(b []byte) (Pointer, error) {
	p, err := h.Alloc(len(b))
	if err != nil {
		return NilPointer, err
	}

	copy(h.mem[int(p):int(p)+len(b)], b)

	return p, nil
}

// Bytes returns p's full payload as a mutable view into the heap segment. The view is
// invalidated by any call that can grow the segment; re-fetch it after allocating.
func (h *Heap) Bytes(p Pointer) ([]byte, error) {
	chunk := int(p) - tagBytes
	err := h.checkChunk(chunk)
	if err != nil {
		return nil, err
	}
	if h.chunkIsFree(chunk) {
		return nil, cerrors.Wrapf(ErrBadPointer, "chunk at offset %d is free", chunk)
	}

	return h.mem[int(p) : int(p)+h.payloadSize(chunk)], nil
}

// PayloadSize returns the usable capacity of p's chunk, which is at least what was
// requested and possibly more.
func (h *Heap) PayloadSize(p Pointer) (int, error) {
	chunk := int(p) - tagBytes
	err := h.checkChunk(chunk)
	if err != nil {
		return 0, err
	}

	return h.payloadSize(chunk), nil
}

// AllocationCount returns the number of live allocations.
func (h *Heap) AllocationCount() int { return h.allocCount }

// FreeCount returns the number of chunks on the free list.
func (h *Heap) FreeCount() int { return h.freeCount }

// FreeBytes returns the total size of all free chunks, boundary tags included.
func (h *Heap) FreeBytes() int { return h.freeBytes }

// ClaimedBytes returns the high-water mark: every byte ever claimed from the
// segment source.
func (h *Heap) ClaimedBytes() int { return h.hwm }

const maxInt = int(^uint(0) >> 1)

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
