package heap

import "github.com/pkg/errors"

// ErrDoubleFree is returned from Heap.Free when the chunk behind the pointer is already
// marked free. The call reports the problem and leaves the heap untouched.
var ErrDoubleFree error = errors.New("chunk is already free")

// ErrCorrupt is returned when a chunk's header and footer tags disagree. The two tags are
// written together, so divergence means something scribbled past the end of a payload.
var ErrCorrupt error = errors.New("chunk header and footer tags do not match")

// ErrBadPointer is returned when a pointer does not refer to the payload of a live
// allocation made by this heap.
var ErrBadPointer error = errors.New("pointer does not refer to a live allocation")

// ErrSizeOverflow is returned when a requested size cannot be represented: the
// count*elemSize product in Heap.AllocZeroed does not fit in an int, or a payload is
// too large for the 32-bit size tag.
var ErrSizeOverflow error = errors.New("allocation size is not representable")

// ErrNegativeSize is returned when a requested allocation size is negative.
var ErrNegativeSize error = errors.New("allocation size is negative")
