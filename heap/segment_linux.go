//go:build linux

package heap

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmapSource claims anonymous pages directly from the kernel. The first growth maps a
// fresh region; later growths remap it in place when the pages after it are free, or
// move it when they are not. Offsets stay valid either way.
type mmapSource struct {
	buf []byte
}

// NewMmapSource returns a SegmentSource backed by anonymous private mappings.
func NewMmapSource() SegmentSource {
	return &mmapSource{}
}

func (s *mmapSource) PageSize() int {
	return unix.Getpagesize()
}

func (s *mmapSource) Grow(delta int) ([]byte, error) {
	if delta <= 0 {
		return nil, errors.Errorf("segment growth delta must be positive, not %d", delta)
	}

	if s.buf == nil {
		buf, err := unix.Mmap(-1, 0, delta,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, cerrors.Wrapf(err, "mmap of %d bytes failed", delta)
		}
		s.buf = buf
		return s.buf, nil
	}

	buf, err := unix.Mremap(s.buf, len(s.buf)+delta, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, cerrors.Wrapf(err, "mremap from %d to %d bytes failed", len(s.buf), len(s.buf)+delta)
	}
	s.buf = buf
	return s.buf, nil
}

func newDefaultSource() SegmentSource {
	return NewMmapSource()
}
