package heap_test

import (
	"github.com/go-memkit/memkit/heap"
	"github.com/pkg/errors"
)

// fakeSource is a SegmentSource with a small, predictable page size. It counts growth
// events and can be told to fail, which real sources only do when the OS is out of
// address space.
type fakeSource struct {
	pageSize int
	buf      []byte
	grows    int
	failNext bool
}

var _ heap.SegmentSource = (*fakeSource)(nil)

func newFakeSource() *fakeSource {
	return &fakeSource{pageSize: 4096}
}

func (s *fakeSource) PageSize() int {
	return s.pageSize
}

func (s *fakeSource) Grow(delta int) ([]byte, error) {
	if s.failNext {
		s.failNext = false
		return nil, errors.New("out of address space")
	}

	s.grows++
	grown := make([]byte, len(s.buf)+delta)
	copy(grown, s.buf)
	s.buf = grown
	return s.buf, nil
}
