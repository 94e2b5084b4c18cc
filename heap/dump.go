package heap

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/go-memkit/memkit"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var _ memkit.Validatable = (*Heap)(nil)

// VisitChunks walks every chunk between the segment base and the high-water mark in
// address order, calling visit once per chunk. The zero-valued sentinel tags bounding
// each grown range are skipped. This is a linear scan of the whole segment; it backs
// the dump, statistics, and validation paths and is not meant for hot code.
func (h *Heap) VisitChunks(visit func(offset, size int, free bool) error) error {
	p := 0
	for p < h.hwm {
		tag := h.rawTag(p)
		if tag == 0 {
			p += tagBytes
			continue
		}

		size := int(tag & sizeMask)
		if size < MinChunk || p+size > h.hwm {
			return cerrors.Wrapf(ErrCorrupt, "chunk at offset %d claims size %d", p, size)
		}

		err := visit(p, size, tag&flagFree != 0)
		if err != nil {
			return err
		}

		p += size
	}

	return nil
}

// FreeListJson writes the current free-list contents, in traversal order, as a JSON
// object. Read-only.
func (h *Heap) FreeListJson(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Count").Int(h.freeCount)
	obj.Name("FreeBytes").Int(h.freeBytes)

	arr := obj.Name("Chunks").Array()
	defer arr.End()

	for p := h.anchorNext; p != anchorOff; p = h.linkNext(p) {
		chunkObj := arr.Object()
		h.chunkJson(&chunkObj, p)
		chunkObj.End()
	}
}

// HeapJson writes a full linear walk of every chunk between base and high-water mark
// as a JSON object. Read-only.
func (h *Heap) HeapJson(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("HighWaterMark").Int(h.hwm)
	obj.Name("Segments").Int(h.segments)
	obj.Name("Allocations").Int(h.allocCount)

	arr := obj.Name("Chunks").Array()
	defer arr.End()

	_ = h.VisitChunks(func(offset, size int, free bool) error {
		chunkObj := arr.Object()
		h.chunkJson(&chunkObj, offset)
		chunkObj.End()
		return nil
	})
}

func (h *Heap) chunkJson(json *jwriter.ObjectState, off int) {
	state := "Allocated"
	if h.chunkIsFree(off) {
		state = "Free"
	}

	json.Name("Offset").Int(off)
	json.Name("Size").Int(h.chunkSize(off))
	json.Name("PayloadSize").Int(h.payloadSize(off))
	json.Name("State").String(state)
	json.Name("Valid").Bool(h.rawTag(off) == h.rawTag(h.footerOff(off)))
}

// AddStatistics sums this heap's allocation statistics into stats. Computed from
// counters the heap maintains incrementally, so this is cheap.
func (h *Heap) AddStatistics(stats *memkit.Statistics) {
	stats.SegmentCount += h.segments
	stats.AllocationCount += h.allocCount
	stats.SegmentBytes += h.hwm
	stats.AllocationBytes += h.hwm - h.freeBytes - h.sentinelBytes()
}

// AddDetailedStatistics sums this heap's per-chunk statistics into stats. Requires a
// full segment walk.
func (h *Heap) AddDetailedStatistics(stats *memkit.DetailedStatistics) {
	stats.SegmentCount += h.segments
	stats.SegmentBytes += h.hwm

	_ = h.VisitChunks(func(offset, size int, free bool) error {
		if free {
			stats.AddFreeChunk(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// sentinelBytes is the portion of the claimed segment spent on the zero tags that
// delimit each grown range.
func (h *Heap) sentinelBytes() int {
	return h.segments * 2 * tagBytes
}

// Validate performs internal consistency checks across the whole heap: every chunk's
// header and footer must agree, the free flag must match free-list membership, the
// free list's links must be symmetric, the live-allocation registry must line up with
// the in-use chunks, and all the incremental counters must reconcile with a fresh walk.
// When the implementation is functioning correctly this cannot return an error, but it
// is invaluable when diagnosing a misbehaving heap. It is expensive.
func (h *Heap) Validate() error {
	freeSet := make(map[int]struct{})
	var freeWalkCount, freeWalkBytes, usedWalkCount, chunkBytes int

	err := h.VisitChunks(func(offset, size int, free bool) error {
		walkErr := h.checkChunk(offset)
		if walkErr != nil {
			return walkErr
		}

		chunkBytes += size

		if free {
			freeWalkCount++
			freeWalkBytes += size
			freeSet[offset] = struct{}{}
			return nil
		}

		usedWalkCount++
		requested, ok := h.live.Get(offset + tagBytes)
		if !ok {
			return errors.Errorf("in-use chunk at offset %d is not in the live registry", offset)
		}
		if requested > size-chunkOverhead {
			return errors.Errorf("chunk at offset %d has payload capacity %d but was requested at %d", offset, size-chunkOverhead, requested)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if chunkBytes+h.sentinelBytes() != h.hwm {
		return errors.Errorf("chunks and sentinels add up to %d bytes, but the high-water mark is %d", chunkBytes+h.sentinelBytes(), h.hwm)
	}

	listCount := 0
	for p := h.anchorNext; p != anchorOff; p = h.linkNext(p) {
		if !h.chunkIsFree(p) {
			return errors.Errorf("chunk at offset %d is on the free list but its free flag is clear", p)
		}
		if _, ok := freeSet[p]; !ok {
			return errors.Errorf("chunk at offset %d is on the free list but was not found free in the segment walk", p)
		}
		if h.linkNext(h.linkPrev(p)) != p || h.linkPrev(h.linkNext(p)) != p {
			return errors.Errorf("chunk at offset %d has asymmetric free-list links", p)
		}
		listCount++
		if listCount > freeWalkCount {
			return errors.New("the free list is longer than the number of free chunks in the segment; it may be cyclic")
		}
	}

	if listCount != freeWalkCount {
		return errors.Errorf("the free list holds %d chunks but the segment walk found %d free", listCount, freeWalkCount)
	}
	if h.freeCount != freeWalkCount {
		return errors.Errorf("the heap counts %d free chunks but the segment walk found %d", h.freeCount, freeWalkCount)
	}
	if h.freeBytes != freeWalkBytes {
		return errors.Errorf("the heap counts %d free bytes but the segment walk found %d", h.freeBytes, freeWalkBytes)
	}
	if h.allocCount != usedWalkCount {
		return errors.Errorf("the heap counts %d live allocations but the segment walk found %d", h.allocCount, usedWalkCount)
	}
	if h.live.Count() != usedWalkCount {
		return errors.Errorf("the live registry holds %d allocations but the segment walk found %d", h.live.Count(), usedWalkCount)
	}

	return nil
}

func (h *Heap) logChunk(op string, off int) {
	if !h.verbose {
		return
	}

	tag := h.rawTag(off)
	h.logger.Debug(op,
		slog.Int("Offset", off),
		slog.Int("Size", int(tag&sizeMask)),
		slog.Int("PayloadSize", h.payloadSize(off)),
		slog.Bool("Free", tag&flagFree != 0),
		slog.Bool("Valid", tag == h.rawTag(h.footerOff(off))),
	)
}
