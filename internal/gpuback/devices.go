package gpuback

import (
	"github.com/tinyrange/pvz/internal/gpuif"
	"github.com/tinyrange/pvz/internal/rpc"
)

// DeviceBackend answers the hardware questions the backend cannot: what a
// device looks like and which heaps it has.
type DeviceBackend interface {
	DevConfig(osid gpuif.OSID, dev gpuif.DeviceID) (gpuif.DevConfig, error)
	PhysHeaps(osid gpuif.OSID, dev gpuif.DeviceID, count int) ([]gpuif.HeapInfo, error)
}

// StaticDevices is a DeviceBackend with a fixed device table, the same for
// every instance.
type StaticDevices struct {
	Configs map[gpuif.DeviceID]gpuif.DevConfig
	Heaps   map[gpuif.DeviceID][]gpuif.HeapInfo
}

func (s *StaticDevices) DevConfig(osid gpuif.OSID, dev gpuif.DeviceID) (gpuif.DevConfig, error) {
	c, ok := s.Configs[dev]
	if !ok {
		return gpuif.DevConfig{}, rpc.Errorf(rpc.StatusNotFound, "no device %d", dev)
	}
	return c, nil
}

func (s *StaticDevices) PhysHeaps(osid gpuif.OSID, dev gpuif.DeviceID, count int) ([]gpuif.HeapInfo, error) {
	heaps, ok := s.Heaps[dev]
	if !ok {
		return nil, rpc.Errorf(rpc.StatusNotFound, "no heaps for device %d", dev)
	}
	if count > len(heaps) {
		return nil, rpc.Errorf(rpc.StatusNoMemory, "device %d has %d heaps, %d requested", dev, len(heaps), count)
	}
	return append([]gpuif.HeapInfo(nil), heaps[:count]...), nil
}

// DefaultDevices describes a single device with two heaps.
func DefaultDevices() *StaticDevices {
	return &StaticDevices{
		Configs: map[gpuif.DeviceID]gpuif.DevConfig{
			0: {Device: 0, Revision: 1, Cores: 2, HeapCount: 2, MMIOBase: 0x3800_0000, MMIOSize: 0x1_0000},
		},
		Heaps: map[gpuif.DeviceID][]gpuif.HeapInfo{
			0: {
				{ID: 0, Base: 0x8000_0000, Size: 64 << 20},
				{ID: 1, Base: 0xc000_0000, Size: 16 << 20},
			},
		},
	}
}
