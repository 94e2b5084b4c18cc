package heap

import (
	"encoding/binary"
	"math"
)

// The free list is a circular doubly-linked list threaded through the payloads of the
// chunks on it: a free chunk's first two link slots hold the offsets of its predecessor
// and successor. The anchor node lives in the Heap itself rather than in the segment;
// it is addressed by the reserved offset anchorOff and its tag reads as the sentinel
// value zero, so it is never matched as real memory.

const anchorOff = -1

// anchorLink is how the anchor offset is encoded inside a link slot.
const anchorLink = math.MaxUint64

func (h *Heap) flInit() {
	h.anchorPrev = anchorOff
	h.anchorNext = anchorOff
}

func (h *Heap) readLink(slot int) int {
	raw := binary.LittleEndian.Uint64(h.mem[slot : slot+linkBytes])
	if raw == anchorLink {
		return anchorOff
	}
	return int(raw)
}

func (h *Heap) writeLink(slot int, target int) {
	raw := uint64(anchorLink)
	if target != anchorOff {
		raw = uint64(target)
	}
	binary.LittleEndian.PutUint64(h.mem[slot:slot+linkBytes], raw)
}

func (h *Heap) linkPrev(off int) int {
	if off == anchorOff {
		return h.anchorPrev
	}
	return h.readLink(off + tagBytes)
}

func (h *Heap) linkNext(off int) int {
	if off == anchorOff {
		return h.anchorNext
	}
	return h.readLink(off + tagBytes + linkBytes)
}

func (h *Heap) setLinkPrev(off int, target int) {
	if off == anchorOff {
		h.anchorPrev = target
		return
	}
	h.writeLink(off+tagBytes, target)
}

func (h *Heap) setLinkNext(off int, target int) {
	if off == anchorOff {
		h.anchorNext = target
		return
	}
	h.writeLink(off+tagBytes+linkBytes, target)
}

// flInsert splices the chunk at off into the free list directly after the anchor.
func (h *Heap) flInsert(off int) {
	next := h.anchorNext

	h.setLinkPrev(off, anchorOff)
	h.setLinkNext(off, next)
	h.setLinkPrev(next, off)
	h.anchorNext = off

	h.freeCount++
	h.freeBytes += h.chunkSize(off)
}

// flRemove unsplices the chunk at off from the free list. No list handle is needed:
// a free chunk carries its own links.
func (h *Heap) flRemove(off int) {
	prev := h.linkPrev(off)
	next := h.linkNext(off)

	h.setLinkNext(prev, next)
	h.setLinkPrev(next, prev)

	h.freeCount--
	h.freeBytes -= h.chunkSize(off)
}

// flCount walks the whole list. Diagnostics and tests only; the heap tracks the count
// incrementally for everything else.
func (h *Heap) flCount() int {
	count := 0
	for p := h.anchorNext; p != anchorOff; p = h.linkNext(p) {
		count++
	}
	return count
}

// findBestFit scans the entire free list for the chunk whose payload capacity is
// closest to, but not below, target. An exact match returns immediately. If nothing
// fits, the anchor is returned, signaling that the segment must grow. The full linear
// scan trades search time for less long-term fragmentation.
func (h *Heap) findBestFit(target int) int {
	best := anchorOff
	bestExcess := 0

	for p := h.anchorNext; p != anchorOff; p = h.linkNext(p) {
		excess := h.payloadSize(p) - target
		if excess < 0 {
			continue
		}
		if excess == 0 {
			return p
		}
		if best == anchorOff || excess < bestExcess {
			best = p
			bestExcess = excess
		}
	}

	return best
}

// findFirstFit returns the first chunk in traversal order whose payload capacity covers
// target, or the anchor if none does.
func (h *Heap) findFirstFit(target int) int {
	for p := h.anchorNext; p != anchorOff; p = h.linkNext(p) {
		if h.payloadSize(p) >= target {
			return p
		}
	}
	return anchorOff
}

func (h *Heap) findFit(target int) int {
	if h.strategy == StrategyFirstFit {
		return h.findFirstFit(target)
	}
	return h.findBestFit(target)
}
