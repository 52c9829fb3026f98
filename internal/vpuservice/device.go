package vpuservice

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/pvz/internal/rpc"
	"github.com/tinyrange/pvz/internal/vpuif"
)

// Device is the hardware behind the service. Cores are numbered from zero.
type Device interface {
	Cores() int
	ReadReg(core, offset uint32) (uint32, error)
	WriteReg(core, offset, value uint32) error
	Command(core, code uint32, block []byte) (vpuif.Response, error)
	// Reset returns a core to its power-on state.
	Reset(core uint32)
}

const (
	// Registers is the number of 32-bit registers per core.
	Registers = 64

	// RegID is read-only and holds IDMagic with the core number in the low
	// byte.
	RegID   uint32 = 0x00
	IDMagic uint32 = 0x56505500
)

// Commands understood by RegisterFile.
const (
	// CmdChecksum sums the block bytes into Data[0] and counts the non-zero
	// ones into Data[1].
	CmdChecksum uint32 = 1
	// CmdLoad returns the first DataWords little-endian words of the block.
	CmdLoad uint32 = 2
)

// ResultUnknownCommand is the device result for command codes it does not
// implement.
const ResultUnknownCommand int32 = -1

// RegisterFile is an in-memory Device.
type RegisterFile struct {
	mu   sync.Mutex
	regs [][Registers]uint32
}

var _ Device = (*RegisterFile)(nil)

func NewRegisterFile(cores int) *RegisterFile {
	f := &RegisterFile{regs: make([][Registers]uint32, cores)}
	for c := range f.regs {
		f.reset(uint32(c))
	}
	return f
}

func (f *RegisterFile) Cores() int { return len(f.regs) }

func (f *RegisterFile) index(core, offset uint32) (int, error) {
	if int(core) >= len(f.regs) {
		return 0, rpc.Errorf(rpc.StatusInvalid, "core %d of %d", core, len(f.regs))
	}
	if offset%4 != 0 || offset/4 >= Registers {
		return 0, rpc.Errorf(rpc.StatusInvalid, "register offset %#x", offset)
	}
	return int(offset / 4), nil
}

func (f *RegisterFile) ReadReg(core, offset uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.index(core, offset)
	if err != nil {
		return 0, err
	}
	return f.regs[core][i], nil
}

func (f *RegisterFile) WriteReg(core, offset, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.index(core, offset)
	if err != nil {
		return err
	}
	if offset == RegID {
		return rpc.Errorf(rpc.StatusInvalid, "register %#x is read-only", offset)
	}
	f.regs[core][i] = value
	return nil
}

func (f *RegisterFile) Command(core, code uint32, block []byte) (vpuif.Response, error) {
	if int(core) >= len(f.regs) {
		return vpuif.Response{}, rpc.Errorf(rpc.StatusInvalid, "core %d of %d", core, len(f.regs))
	}
	var resp vpuif.Response
	switch code {
	case CmdChecksum:
		for _, b := range block {
			resp.Data[0] += uint32(b)
			if b != 0 {
				resp.Data[1]++
			}
		}
	case CmdLoad:
		for i := range resp.Data {
			if 4*i+4 > len(block) {
				break
			}
			resp.Data[i] = binary.LittleEndian.Uint32(block[4*i:])
		}
	default:
		resp.Result = ResultUnknownCommand
	}
	return resp, nil
}

func (f *RegisterFile) Reset(core uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(core) < len(f.regs) {
		f.reset(core)
	}
}

func (f *RegisterFile) reset(core uint32) {
	f.regs[core] = [Registers]uint32{}
	f.regs[core][RegID/4] = IDMagic | core&0xff
}
