package heap

import (
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"
	"github.com/go-memkit/memkit"
)

const (
	// tagBytes is the width of a boundary tag: the size-and-flags word mirrored at both
	// ends of every chunk. It is half the width of a link slot, and the tag arithmetic
	// below depends on that ratio.
	tagBytes = 4
	// linkBytes is the width of one free-list link slot stored in a free chunk's payload.
	linkBytes = 8

	chunkOverhead = 2 * tagBytes

	// MinPayload is the smallest payload a chunk can carry. A free chunk's payload holds
	// its two free-list links, so nothing smaller is representable.
	MinPayload = 2 * linkBytes
	// MinChunk is the smallest viable chunk: the minimum payload plus both boundary tags.
	MinChunk = MinPayload + chunkOverhead

	flagFree uint32 = 0x1
	flagMask uint32 = 0x7
	sizeMask uint32 = ^flagMask
)

// Chunk sizes are always a multiple of linkBytes, which keeps the low three bits of
// every tag clear for flags and keeps link slots aligned.

// maxTagPayload is the largest payload a tag can represent: the tag is 32 bits wide
// and must hold the payload plus the chunk overhead. Larger requests are rejected up
// front; letting them through would truncate the size on write.
const maxTagPayload = int64(sizeMask) - chunkOverhead

func (h *Heap) rawTag(off int) uint32 {
	return binary.LittleEndian.Uint32(h.mem[off : off+tagBytes])
}

func (h *Heap) putTag(off int, value uint32) {
	binary.LittleEndian.PutUint32(h.mem[off:off+tagBytes], value)
}

// chunkSize returns the total size in bytes of the chunk at off, flags masked away.
func (h *Heap) chunkSize(off int) int {
	return int(h.rawTag(off) & sizeMask)
}

// payloadSize returns the caller-usable size of the chunk at off.
func (h *Heap) payloadSize(off int) int {
	return h.chunkSize(off) - chunkOverhead
}

// footerOff returns the offset of the chunk's footer tag. It is derived from the header
// tag and never stored separately.
func (h *Heap) footerOff(off int) int {
	return off + h.chunkSize(off) - tagBytes
}

// setTag writes value to both the header and footer tag locations of the chunk at off.
// Every mutation of a chunk's size or flags goes through here so the two tags can never
// legitimately diverge.
func (h *Heap) setTag(off int, value uint32) {
	h.putTag(off, value)
	h.putTag(off+int(value&sizeMask)-tagBytes, value)
}

func (h *Heap) chunkIsFree(off int) bool {
	return h.rawTag(off)&flagFree != 0
}

// checkChunk verifies that off plausibly addresses a chunk header within the claimed
// segment and that the header and footer tags agree.
func (h *Heap) checkChunk(off int) error {
	if off < tagBytes || off+MinChunk > h.hwm {
		return cerrors.Wrapf(ErrBadPointer, "offset %d is outside the heap segment", off)
	}

	header := h.rawTag(off)
	size := int(header & sizeMask)
	if header == 0 || size < MinChunk || size%linkBytes != 0 || off+size > h.hwm {
		return cerrors.Wrapf(ErrBadPointer, "offset %d does not address a chunk", off)
	}

	footer := h.rawTag(off + size - tagBytes)
	if footer != header {
		return cerrors.Wrapf(ErrCorrupt, "chunk at offset %d has header tag %#x but footer tag %#x", off, header, footer)
	}

	return nil
}

// split carves a chunk of exactly payload usable bytes (rounded up to link-slot
// granularity) out of the front of the chunk at off. The remainder becomes a new free
// chunk immediately after it and joins the free list. If the request is below the
// minimum payload, or the remainder would be too small to form a viable chunk, the
// chunk is left whole and split reports false: over-allocation is preferred to
// fragmenting below viability.
func (h *Heap) split(off int, payload int) (int, bool) {
	if payload < MinPayload {
		return 0, false
	}

	size := h.chunkSize(off)
	payload = memkit.AlignUp(payload, linkBytes)

	frontSize := payload + chunkOverhead
	restSize := size - frontSize
	if restSize < MinChunk {
		return 0, false
	}

	flags := h.rawTag(off) & flagMask
	h.setTag(off, uint32(frontSize)|flags)
	if flags&flagFree != 0 {
		// The chunk shrank in place while sitting on the free list.
		h.freeBytes -= restSize
	}

	rest := off + frontSize
	h.setTag(rest, uint32(restSize)|flagFree)
	h.flInsert(rest)

	h.logChunk("split remainder", rest)

	return rest, true
}

// merge combines two adjacent free chunks into one free chunk at the lower offset.
// Both are removed from the free list and the combined chunk is reinserted.
func (h *Heap) merge(lo, hi int) int {
	if lo+h.chunkSize(lo) != hi {
		panic("cannot merge chunks that are not physically adjacent")
	}
	if !h.chunkIsFree(lo) || !h.chunkIsFree(hi) {
		panic("cannot merge chunks that are not free")
	}

	h.flRemove(lo)
	h.flRemove(hi)

	total := h.chunkSize(lo) + h.chunkSize(hi)
	h.setTag(lo, uint32(total)|flagFree)
	h.flInsert(lo)

	return lo
}

// coalesce merges the free chunk at off with its physical neighbors where they are also
// free. The zero-valued sentinel tags written at the ends of every grown range stop
// coalescing from walking off a sub-segment.
func (h *Heap) coalesce(off int) int {
	right := off + h.chunkSize(off)
	if right+tagBytes <= h.hwm {
		tag := h.rawTag(right)
		if tag != 0 && tag&flagFree != 0 {
			off = h.merge(off, right)
		}
	}

	leftFooter := off - tagBytes
	if leftFooter >= tagBytes {
		tag := h.rawTag(leftFooter)
		if tag != 0 && tag&flagFree != 0 {
			left := off - int(tag&sizeMask)
			off = h.merge(left, off)
		}
	}

	return off
}
