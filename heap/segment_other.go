//go:build !linux

package heap

func newDefaultSource() SegmentSource {
	return NewSliceSource()
}
