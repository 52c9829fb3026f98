package vpuservice

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/vpuif"
)

func TestRegisterFile(t *testing.T) {
	f := NewRegisterFile(2)
	if id, err := f.ReadReg(1, RegID); err != nil || id != IDMagic|1 {
		t.Fatalf("ReadReg(id) = %#x, %v", id, err)
	}
	if err := f.WriteReg(1, RegID, 7); rpc.StatusOf(err) != rpc.StatusInvalid {
		t.Fatalf("write to id register: %v", err)
	}
	if err := f.WriteReg(0, 0x10, 0xabcd); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}
	if v, _ := f.ReadReg(0, 0x10); v != 0xabcd {
		t.Fatalf("ReadReg = %#x", v)
	}
	if v, _ := f.ReadReg(1, 0x10); v != 0 {
		t.Fatalf("core 1 sees core 0's register: %#x", v)
	}

	for _, off := range []uint32{0x11, Registers * 4} {
		if _, err := f.ReadReg(0, off); rpc.StatusOf(err) != rpc.StatusInvalid {
			t.Fatalf("ReadReg(%#x): %v", off, err)
		}
	}
	if _, err := f.ReadReg(2, 0); rpc.StatusOf(err) != rpc.StatusInvalid {
		t.Fatalf("ReadReg on missing core: %v", err)
	}

	f.Reset(0)
	if v, _ := f.ReadReg(0, 0x10); v != 0 {
		t.Fatalf("register survived reset: %#x", v)
	}
	if id, _ := f.ReadReg(0, RegID); id != IDMagic {
		t.Fatalf("id after reset = %#x", id)
	}

	resp, err := f.Command(0, CmdChecksum, []byte{1, 0, 2, 3})
	if err != nil || resp.Data[0] != 6 || resp.Data[1] != 3 {
		t.Fatalf("checksum = %+v, %v", resp, err)
	}
	resp, _ = f.Command(0, 99, nil)
	if resp.Result != ResultUnknownCommand {
		t.Fatalf("unknown command result = %d", resp.Result)
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := New(NewRegisterFile(1), nil)

	if _, err := s.open(ctx, vpuif.Request{Core: 1}); rpc.StatusOf(err) != rpc.StatusInvalid {
		t.Fatalf("open on missing core: %v", err)
	}
	a, err := s.open(ctx, vpuif.Request{Core: 0})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := s.open(ctx, vpuif.Request{Core: 0})
	ha, hb := vpuif.Handle(a.Data[0]), vpuif.Handle(b.Data[0])
	if ha == hb || s.Sessions() != 2 {
		t.Fatalf("handles %d %d, sessions %d", ha, hb, s.Sessions())
	}

	if _, err := s.regWrite(ctx, vpuif.Request{Handle: ha, Offset: 8, Value: 5}); err != nil {
		t.Fatalf("regWrite: %v", err)
	}
	if resp, err := s.regRead(ctx, vpuif.Request{Handle: hb, Offset: 8}); err != nil || resp.Data[0] != 5 {
		t.Fatalf("regRead through second session = %+v, %v", resp, err)
	}

	if _, err := s.close(ctx, vpuif.Request{Handle: ha}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.close(ctx, vpuif.Request{Handle: ha}); rpc.StatusOf(err) != rpc.StatusNotFound {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.regRead(ctx, vpuif.Request{Handle: ha}); rpc.StatusOf(err) != rpc.StatusNotFound {
		t.Fatalf("regRead on closed session: %v", err)
	}

	if _, err := s.clearInstance(ctx, vpuif.Request{Handle: hb}); err != nil {
		t.Fatalf("clearInstance: %v", err)
	}
	if s.Sessions() != 0 {
		t.Fatalf("Sessions = %d after clear", s.Sessions())
	}
	if _, err := s.clearInstance(ctx, vpuif.Request{Handle: hb}); err != nil {
		t.Fatalf("clearInstance on stale handle: %v", err)
	}
}

func TestMalformedRequest(t *testing.T) {
	h := handler(func(ctx context.Context, req vpuif.Request) (vpuif.Response, error) {
		return vpuif.Response{}, errors.New("unreachable")
	})
	if _, err := h(context.Background(), rpc.Request{Body: []byte{1, 2}}); rpc.StatusOf(err) != rpc.StatusInvalid {
		t.Fatalf("short body: %v", err)
	}
}
