package gpuif

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/tinyrange/pvz/internal/pagedir"
	"github.com/tinyrange/pvz/internal/rpc"
)

func TestRequestsDecodeAsSent(t *testing.T) {
	target := Target{OSID: 3, Device: 1}
	var tag pagedir.Tag
	for i := range tag {
		tag[i] = byte(i)
	}
	for _, m := range []Message{
		CreateDevConfigRequest{target},
		CreateDevPhysHeapsRequest{Target: target, Count: 2},
		MapDevPhysHeapRequest{Target: target, Heap: 1, Pages: 9, First: 1 << 33, Tag: tag},
		UnmapDevPhysHeapRequest{Target: target, Heap: 1},
		ClearInstanceRequest{OSID: 3},
	} {
		got, err := DecodeRequest(m.Op(), Marshal(m))
		if err != nil {
			t.Fatalf("DecodeRequest(%T): %v", m, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("DecodeRequest(%T) = %+v, want %+v", m, got, m)
		}
	}
}

func TestBodiesFitDefaultSlot(t *testing.T) {
	maxBody := rpc.MaxBody(128)
	for _, m := range []Message{MapDevPhysHeapRequest{}, DevConfig{}, PhysHeaps{}, HeapMapping{}} {
		if m.Size() > maxBody {
			t.Errorf("%T is %d bytes, slot body holds %d", m, m.Size(), maxBody)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := DecodeRequest(OpMapDevPhysHeap, make([]byte, 10)); !errors.Is(err, ErrShortBody) {
		t.Fatalf("short request: got %v, want ErrShortBody", err)
	}
	if _, err := DecodeRequest(99, nil); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("unknown request op: got %v, want ErrUnknownOp", err)
	}
	if _, err := DecodeResponse(OpCreateDevConfig, make([]byte, 4)); !errors.Is(err, ErrShortBody) {
		t.Fatalf("short response: got %v, want ErrShortBody", err)
	}

	b := make([]byte, PhysHeaps{}.Size())
	binary.LittleEndian.PutUint32(b, MaxHeaps+1)
	if _, err := DecodeResponse(OpCreateDevPhysHeaps, b); err == nil {
		t.Fatalf("heap count above MaxHeaps accepted")
	}
}

func TestResponses(t *testing.T) {
	cfg := DevConfig{Device: 1, Revision: 2, Cores: 4, HeapCount: 2, MMIOBase: 0xf000_0000, MMIOSize: 1 << 20}
	got, err := DecodeResponse(OpCreateDevConfig, Marshal(cfg))
	if err != nil || got != cfg {
		t.Fatalf("DevConfig = %+v, %v", got, err)
	}

	heaps := PhysHeaps{Heaps: []HeapInfo{{ID: 0, Base: 0x1000, Size: 1 << 16}, {ID: 1, Base: 0x20000, Size: 1 << 20}}}
	got, err = DecodeResponse(OpCreateDevPhysHeaps, Marshal(heaps))
	if err != nil || !reflect.DeepEqual(got, heaps) {
		t.Fatalf("PhysHeaps = %+v, %v", got, err)
	}

	// Heaps beyond MaxHeaps are dropped on encode.
	many := PhysHeaps{Heaps: make([]HeapInfo, MaxHeaps+2)}
	got, _ = DecodeResponse(OpCreateDevPhysHeaps, Marshal(many))
	if n := len(got.(PhysHeaps).Heaps); n != MaxHeaps {
		t.Fatalf("encoded %d heaps, want %d", n, MaxHeaps)
	}

	got, err = DecodeResponse(OpUnmapDevPhysHeap, nil)
	if err != nil || got.Op() != OpUnmapDevPhysHeap {
		t.Fatalf("Ack = %+v, %v", got, err)
	}
}
