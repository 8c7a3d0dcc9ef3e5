package presence

import (
	"sync"

	"github.com/google/uuid"
)

var _ Handle = (*ChannelHandle)(nil)

// ChannelHandle buffers frames for a transport writer goroutine.
type ChannelHandle struct {
	id       string
	identity Identity
	sendCh   chan Frame
	done     chan struct{}
	once     sync.Once
}

// NewChannelHandle creates a handle with the given send buffer.
func NewChannelHandle(identity Identity, buffer int) *ChannelHandle {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelHandle{
		id:       uuid.NewString(),
		identity: identity,
		sendCh:   make(chan Frame, buffer),
		done:     make(chan struct{}),
	}
}

func (h *ChannelHandle) ID() string         { return h.id }
func (h *ChannelHandle) Identity() Identity { return h.identity }

// Send enqueues without blocking. Full buffers and closed handles drop the frame.
func (h *ChannelHandle) Send(frame Frame) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.sendCh <- frame:
		return true
	default:
		return false
	}
}

// Recv exposes queued frames to the writer.
func (h *ChannelHandle) Recv() <-chan Frame { return h.sendCh }

// Done is closed once the handle is closed.
func (h *ChannelHandle) Done() <-chan struct{} { return h.done }

func (h *ChannelHandle) Close() {
	h.once.Do(func() { close(h.done) })
}

// Drain returns the frames currently buffered.
func (h *ChannelHandle) Drain() []Frame {
	var out []Frame
	for {
		select {
		case f := <-h.sendCh:
			out = append(out, f)
		default:
			return out
		}
	}
}
