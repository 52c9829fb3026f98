// Package vpuif defines the command record exchanged between the VPU client
// and the VPU service.
//
// Every operation uses the same fixed-size request record; fields an
// operation does not use are zero.
package vpuif

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/pvz/internal/rpc"
)

const (
	OpHeartbeat        = rpc.OpHeartbeat
	OpOpen      rpc.Op = 1
	OpClose     rpc.Op = 2
	// OpClearInstance is sent without expecting a reply.
	OpClearInstance rpc.Op = 3
	OpRegRead       rpc.Op = 4
	OpRegWrite      rpc.Op = 5
	OpCommand       rpc.Op = 6
)

const (
	// CommandSize is the length of the opaque command block.
	CommandSize = 32
	// DataWords is the number of result words in a response.
	DataWords = 4

	RequestSize  = 20 + CommandSize
	ResponseSize = 4 + 4*DataWords
)

var ErrShortRecord = errors.New("vpuif: record too short")

// Handle names an open session on a core.
type Handle uint32

type Request struct {
	Handle Handle
	Core   uint32
	Offset uint32
	Value  uint32
	Code   uint32
	Block  [CommandSize]byte
}

func (r Request) Marshal() []byte {
	b := make([]byte, RequestSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Handle))
	binary.LittleEndian.PutUint32(b[4:8], r.Core)
	binary.LittleEndian.PutUint32(b[8:12], r.Offset)
	binary.LittleEndian.PutUint32(b[12:16], r.Value)
	binary.LittleEndian.PutUint32(b[16:20], r.Code)
	copy(b[20:], r.Block[:])
	return b
}

func ParseRequest(b []byte) (Request, error) {
	if len(b) < RequestSize {
		return Request{}, fmt.Errorf("%w: request of %d bytes", ErrShortRecord, len(b))
	}
	r := Request{
		Handle: Handle(binary.LittleEndian.Uint32(b[0:4])),
		Core:   binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint32(b[8:12]),
		Value:  binary.LittleEndian.Uint32(b[12:16]),
		Code:   binary.LittleEndian.Uint32(b[16:20]),
	}
	copy(r.Block[:], b[20:RequestSize])
	return r, nil
}

// Response carries the device's own result code next to the transport
// status, and a fixed set of data words.
type Response struct {
	Result int32
	Data   [DataWords]uint32
}

func (r Response) Marshal() []byte {
	b := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Result))
	for i, w := range r.Data {
		binary.LittleEndian.PutUint32(b[4+4*i:], w)
	}
	return b
}

func ParseResponse(b []byte) (Response, error) {
	if len(b) < ResponseSize {
		return Response{}, fmt.Errorf("%w: response of %d bytes", ErrShortRecord, len(b))
	}
	r := Response{Result: int32(binary.LittleEndian.Uint32(b[0:4]))}
	for i := range r.Data {
		r.Data[i] = binary.LittleEndian.Uint32(b[4+4*i:])
	}
	return r, nil
}
