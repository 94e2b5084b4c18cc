package heap

import (
	"os"

	cerrors "github.com/cockroachdb/errors"
	"github.com/go-memkit/memkit"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// SegmentSource claims address space from the operating system on the heap's behalf.
// The claimed region only ever grows; nothing is returned to the OS for the life of
// the process. The region may move when it grows: the heap addresses everything by
// offset, so relocation is harmless as long as contents are preserved.
type SegmentSource interface {
	// PageSize returns the allocation granularity of the source. The heap rounds every
	// growth request up to a multiple of it. Must be a power of two.
	PageSize() int
	// Grow extends the claimed region by exactly delta bytes, which the caller has
	// already rounded to a page multiple, and returns the entire region. New bytes
	// must read as zero.
	Grow(delta int) ([]byte, error)
}

// sliceSource claims address space from the Go runtime instead of mapping it directly.
// It is the fallback for platforms without an mmap-backed source and the usual choice
// for tests.
type sliceSource struct {
	buf []byte
}

// NewSliceSource returns a SegmentSource backed by ordinary Go slices.
func NewSliceSource() SegmentSource {
	return &sliceSource{}
}

func (s *sliceSource) PageSize() int {
	return os.Getpagesize()
}

func (s *sliceSource) Grow(delta int) ([]byte, error) {
	if delta <= 0 {
		return nil, errors.Errorf("segment growth delta must be positive, not %d", delta)
	}

	grown := make([]byte, len(s.buf)+delta)
	copy(grown, s.buf)
	s.buf = grown
	return s.buf, nil
}

// grow claims enough additional address space for at least minPayload more usable
// bytes, formats the new range as a single free chunk bounded by zero-valued sentinel
// tags, and inserts that chunk into the free list. Growth failure is fatal for the
// triggering request and surfaces as an error; no chunk is produced.
func (h *Heap) grow(minPayload int) (int, error) {
	// Tags for the new chunk plus the two sentinels delimiting the range.
	raw := minPayload + chunkOverhead + 2*tagBytes
	delta := memkit.AlignUp(raw, uint(h.pageSize))

	// Page rounding can push a near-maximum request past what the size tag can hold.
	if int64(delta-2*tagBytes) > int64(sizeMask) {
		return anchorOff, cerrors.Wrapf(ErrSizeOverflow, "a grown chunk of %d bytes does not fit a size tag", delta-2*tagBytes)
	}

	mem, err := h.source.Grow(delta)
	if err != nil {
		return anchorOff, cerrors.Wrapf(err, "failed to claim %d additional bytes of address space", delta)
	}
	if len(mem) != h.hwm+delta {
		return anchorOff, errors.Errorf("segment source grew the region to %d bytes, expected %d", len(mem), h.hwm+delta)
	}

	base := h.hwm
	h.mem = mem
	h.hwm = len(mem)
	h.segments++

	h.putTag(base, 0)
	h.putTag(h.hwm-tagBytes, 0)

	chunk := base + tagBytes
	size := (h.hwm - tagBytes) - chunk
	h.setTag(chunk, uint32(size)|flagFree)
	h.flInsert(chunk)

	if h.verbose {
		h.logger.Debug("segment grown",
			slog.Int("Delta", delta),
			slog.Int("HighWaterMark", h.hwm),
			slog.Int("ChunkOffset", chunk),
			slog.Int("ChunkSize", size),
		)
	}

	return chunk, nil
}
