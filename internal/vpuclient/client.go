// Package vpuclient is the driver side of the VPU service. Requests travel
// over a virtqueue; each one carries its own response buffer.
package vpuclient

import (
	"context"
	"fmt"

	"github.com/tinyrange/pvz/internal/ring"
	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/virtq"
	"github.com/tinyrange/pvz/internal/vpuif"
)

type Client struct {
	rpc *rpc.Client
}

// New builds a client on the driver side of q. kick notifies the device of
// new requests.
func New(q *virtq.DriverQueue, kick ring.Notifier, opts rpc.ClientOptions) *Client {
	return &Client{rpc: rpc.NewClient(virtq.NewClientTransport(q, kick, opts.Logger), opts)}
}

// Run collects responses each time events fires until ctx is done.
func (c *Client) Run(ctx context.Context, events rpc.EventSource) error {
	return c.rpc.Run(ctx, events)
}

// RPC exposes the underlying call layer.
func (c *Client) RPC() *rpc.Client { return c.rpc }

func (c *Client) call(ctx context.Context, op rpc.Op, req vpuif.Request) (vpuif.Response, error) {
	msg, err := c.rpc.Call(ctx, op, req.Marshal())
	if err != nil {
		return vpuif.Response{}, err
	}
	resp, err := vpuif.ParseResponse(msg.Body)
	if err != nil {
		return vpuif.Response{}, fmt.Errorf("vpuclient: op %d: %w", op, err)
	}
	return resp, nil
}

// Open starts a session on core.
func (c *Client) Open(ctx context.Context, core uint32) (vpuif.Handle, error) {
	resp, err := c.call(ctx, vpuif.OpOpen, vpuif.Request{Core: core})
	if err != nil {
		return 0, err
	}
	return vpuif.Handle(resp.Data[0]), nil
}

// CloseSession ends a session opened with Open.
func (c *Client) CloseSession(ctx context.Context, h vpuif.Handle) error {
	_, err := c.call(ctx, vpuif.OpClose, vpuif.Request{Handle: h})
	return err
}

func (c *Client) ReadReg(ctx context.Context, h vpuif.Handle, offset uint32) (uint32, error) {
	resp, err := c.call(ctx, vpuif.OpRegRead, vpuif.Request{Handle: h, Offset: offset})
	if err != nil {
		return 0, err
	}
	return resp.Data[0], nil
}

func (c *Client) WriteReg(ctx context.Context, h vpuif.Handle, offset, value uint32) error {
	_, err := c.call(ctx, vpuif.OpRegWrite, vpuif.Request{Handle: h, Offset: offset, Value: value})
	return err
}

// Command runs a device command. block is zero-padded to
// vpuif.CommandSize.
func (c *Client) Command(ctx context.Context, h vpuif.Handle, code uint32, block []byte) (vpuif.Response, error) {
	if len(block) > vpuif.CommandSize {
		return vpuif.Response{}, fmt.Errorf("vpuclient: command block of %d bytes exceeds %d", len(block), vpuif.CommandSize)
	}
	req := vpuif.Request{Handle: h, Code: code}
	copy(req.Block[:], block)
	return c.call(ctx, vpuif.OpCommand, req)
}

func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.rpc.Call(ctx, vpuif.OpHeartbeat, nil)
	return err
}

// ClearInstance drops the session and resets its core without waiting for
// the service.
func (c *Client) ClearInstance(ctx context.Context, h vpuif.Handle) error {
	return c.rpc.Notify(ctx, vpuif.OpClearInstance, vpuif.Request{Handle: h}.Marshal())
}

// Close fails outstanding calls.
func (c *Client) Close() error { return c.rpc.Close() }
