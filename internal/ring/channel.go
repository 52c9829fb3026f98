package ring

import (
	"fmt"

	"github.com/tinyrange/pvz/internal/mem"
)

// Notifier kicks the peer after the ring changed. Spurious notifications are
// harmless; a missing one after an enqueue can stall the peer.
type Notifier interface {
	Notify() error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func() error

func (f NotifierFunc) Notify() error { return f() }

// ChannelSize is the number of bytes a channel with rings of layout l needs.
func ChannelSize(l Layout) int64 { return 2 * l.Size() }

// PagesFor is the number of pages of pageSize a channel needs.
func PagesFor(l Layout, pageSize int) int {
	return int((ChannelSize(l) + int64(pageSize) - 1) / int64(pageSize))
}

// Channel is a request ring followed by a response ring in one region.
type Channel struct {
	Requests  *Ring
	Responses *Ring
}

// NewChannel lays out both rings at the start of v.
func NewChannel(v *mem.Vector, l Layout) (*Channel, error) {
	if ChannelSize(l) > v.Len() {
		return nil, fmt.Errorf("%w: channel needs %d bytes, have %d", ErrLayout, ChannelSize(l), v.Len())
	}
	req, err := New(v, 0, l)
	if err != nil {
		return nil, fmt.Errorf("request ring: %w", err)
	}
	rsp, err := New(v, l.Size(), l)
	if err != nil {
		return nil, fmt.Errorf("response ring: %w", err)
	}
	return &Channel{Requests: req, Responses: rsp}, nil
}

// Reset zeroes both rings.
func (c *Channel) Reset() {
	c.Requests.Reset()
	c.Responses.Reset()
}

// Front is the requester's view: it produces requests and consumes responses.
type Front struct {
	Requests  *Producer
	Responses *Consumer
}

// Back is the responder's view: it consumes requests and produces responses.
type Back struct {
	Requests  *Consumer
	Responses *Producer
}

func (c *Channel) Front() Front {
	return Front{Requests: c.Requests.Producer(), Responses: c.Responses.Consumer()}
}

func (c *Channel) Back() Back {
	return Back{Requests: c.Requests.Consumer(), Responses: c.Responses.Producer()}
}
