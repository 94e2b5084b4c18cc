package heap_test

import (
	"testing"

	"github.com/go-memkit/memkit/heap"
	"github.com/stretchr/testify/require"
)

func TestSliceSourceGrow(t *testing.T) {
	source := heap.NewSliceSource()

	require.Greater(t, source.PageSize(), 0)

	buf, err := source.Grow(4096)
	require.NoError(t, err)
	require.Len(t, buf, 4096)

	buf[0] = 0xAB
	buf[4095] = 0xCD

	grown, err := source.Grow(4096)
	require.NoError(t, err)
	require.Len(t, grown, 8192)

	// Existing contents survive growth; new bytes read as zero.
	require.Equal(t, byte(0xAB), grown[0])
	require.Equal(t, byte(0xCD), grown[4095])
	for _, b := range grown[4096:] {
		require.Zero(t, b)
	}
}

func TestSliceSourceRejectsNonPositiveDelta(t *testing.T) {
	source := heap.NewSliceSource()

	_, err := source.Grow(0)
	require.Error(t, err)

	_, err = source.Grow(-4096)
	require.Error(t, err)
}

func TestHeapOverSliceSource(t *testing.T) {
	h, err := heap.New(heap.WithSegmentSource(heap.NewSliceSource()))
	require.NoError(t, err)

	p, err := h.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	require.NoError(t, h.Validate())
}

func TestShortGrowIsRejected(t *testing.T) {
	source := &shortSource{}
	h, err := heap.New(heap.WithSegmentSource(source))
	require.NoError(t, err)

	_, err = h.Alloc(100)
	require.Error(t, err)
	require.Zero(t, h.ClaimedBytes())
	require.NoError(t, h.Validate())
}

// shortSource misbehaves by growing less than asked. The heap must refuse to
// format the region rather than write tags out of bounds.
type shortSource struct {
	buf []byte
}

func (s *shortSource) PageSize() int { return 4096 }

func (s *shortSource) Grow(delta int) ([]byte, error) {
	s.buf = append(s.buf, make([]byte, delta/2)...)
	return s.buf, nil
}
