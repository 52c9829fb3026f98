package vpuif

import (
	"errors"
	"testing"
)

func TestRecords(t *testing.T) {
	req := Request{Handle: 3, Core: 1, Offset: 0x40, Value: 0xdeadbeef, Code: 2}
	req.Block[0], req.Block[CommandSize-1] = 0xaa, 0x55
	got, err := ParseRequest(req.Marshal())
	if err != nil || got != req {
		t.Fatalf("ParseRequest = %+v, %v", got, err)
	}

	resp := Response{Result: -22, Data: [DataWords]uint32{1, 2, 3, 4}}
	gotResp, err := ParseResponse(resp.Marshal())
	if err != nil || gotResp != resp {
		t.Fatalf("ParseResponse = %+v, %v", gotResp, err)
	}

	if _, err := ParseRequest(make([]byte, RequestSize-1)); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("short request: %v", err)
	}
	if _, err := ParseResponse(nil); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("short response: %v", err)
	}
}
