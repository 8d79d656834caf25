// Package replay implements the fixed-size frame-id window that rejects
// duplicate and unreasonably-old frames.
package replay

import "errors"

// MaxFramesPerSecond is the frame rate the replay window is sized for:
// BufferSize holds WindowSeconds seconds of frame ids at this rate. It does
// not limit the inbound rate itself.
const MaxFramesPerSecond = 600

// WindowSeconds is how far back the window remembers frame ids.
const WindowSeconds = 120

// BufferSize is the number of frame ids retained, per peer.
const BufferSize = MaxFramesPerSecond * WindowSeconds

const notExistFrameID uint64 = 0

// ErrWindowExceeded is returned when a frame is too old to classify: it
// fell out of the buffer before this peer could see it.
var ErrWindowExceeded = errors.New("replay: frame outside replay window")

// Protection is a per-peer anti-replay filter: a ring of the most recently
// accepted frame id at each (frame_id mod BufferSize) slot.
type Protection struct {
	maxSeen uint64
	seen    [BufferSize]uint64
}

// New returns a Protection ready to accept frame id 1 onward.
func New() *Protection {
	p := &Protection{}
	for i := range p.seen {
		p.seen[i] = notExistFrameID
	}
	return p
}

// Check classifies an incoming frame id: (duplicate=true, nil) if already
// seen, (false, nil) if newly accepted, or a non-nil error if the frame is
// too old to classify (the caller must disconnect the peer).
func (p *Protection) Check(frameID uint64) (duplicate bool, err error) {
	if frameID > p.maxSeen {
		p.maxSeen = frameID
	}
	if frameID+BufferSize < p.maxSeen {
		return false, ErrWindowExceeded
	}

	index := frameID % BufferSize
	stored := p.seen[index]
	switch {
	case stored == frameID:
		return true, nil
	case frameID > stored:
		p.seen[index] = frameID
		return false, nil
	default:
		return false, ErrWindowExceeded
	}
}
