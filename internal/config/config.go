// Package config loads the settings shared by both ends of a channel.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tinyrange/pvz/internal/gpuif"
	"github.com/tinyrange/pvz/internal/grant"
	"github.com/tinyrange/pvz/internal/mem"
	"github.com/tinyrange/pvz/internal/pagedir"
	"github.com/tinyrange/pvz/internal/ring"
	"github.com/tinyrange/pvz/internal/rpc"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	BackingHeap = "heap"
	BackingMmap = "mmap"
)

// Config is fixed when a channel is set up; nothing in it is renegotiated
// per call.
type Config struct {
	PageSize        int    `yaml:"pageSize,omitempty"`
	HandleSize      int    `yaml:"handleSize,omitempty"`
	ProtocolVersion string `yaml:"protocolVersion,omitempty"`
	// ChainKey is a hex key for tagging directory chains. Empty disables
	// tagging.
	ChainKey string `yaml:"chainKey,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`

	Ring   RingConfig   `yaml:"ring"`
	RPC    RPCConfig    `yaml:"rpc"`
	Grant  GrantConfig  `yaml:"grant"`
	Memory MemoryConfig `yaml:"memory"`
}

type RingConfig struct {
	Capacity uint32 `yaml:"capacity,omitempty"`
	SlotSize int    `yaml:"slotSize,omitempty"`
}

type RPCConfig struct {
	MaxInFlight int           `yaml:"maxInFlight,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	BusyRetries int           `yaml:"busyRetries,omitempty"`
	BusyBackoff time.Duration `yaml:"busyBackoff,omitempty"`
}

type GrantConfig struct {
	TableSize int `yaml:"tableSize,omitempty"`
}

type MemoryConfig struct {
	Pages   int    `yaml:"pages,omitempty"`
	Backing string `yaml:"backing,omitempty"`
}

// Default returns a configuration with every field set to its default.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.PageSize == 0 {
		c.PageSize = mem.DefaultPageSize
	}
	if c.HandleSize == 0 {
		c.HandleSize = 4
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = gpuif.Version
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Ring.Capacity == 0 {
		c.Ring.Capacity = 32
	}
	if c.Ring.SlotSize == 0 {
		c.Ring.SlotSize = 128
	}
	if c.RPC.MaxInFlight == 0 {
		c.RPC.MaxInFlight = int(c.Ring.Capacity)
	}
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = 5 * time.Second
	}
	if c.RPC.BusyRetries == 0 {
		c.RPC.BusyRetries = 3
	}
	if c.RPC.BusyBackoff == 0 {
		c.RPC.BusyBackoff = time.Millisecond
	}
	if c.Grant.TableSize == 0 {
		c.Grant.TableSize = grant.DefaultTableSize
	}
	if c.Memory.Pages == 0 {
		c.Memory.Pages = 1024
	}
	if c.Memory.Backing == "" {
		c.Memory.Backing = BackingHeap
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.PageSize < 512 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("pageSize %d must be a power of two of at least 512", c.PageSize)
	}
	if _, err := c.Codec(); err != nil {
		return err
	}
	if err := c.RingLayout().Validate(); err != nil {
		return err
	}
	if c.Ring.SlotSize < gpuif.MinSlotSize {
		return fmt.Errorf("ring.slotSize %d is below the %d bytes the largest message needs", c.Ring.SlotSize, gpuif.MinSlotSize)
	}
	if c.RPC.MaxInFlight < 0 || c.RPC.MaxInFlight > int(c.Ring.Capacity) {
		return fmt.Errorf("rpc.maxInFlight %d must be between 0 and ring.capacity %d", c.RPC.MaxInFlight, c.Ring.Capacity)
	}
	if c.RPC.Timeout < 0 || c.RPC.BusyBackoff < 0 || c.RPC.BusyRetries < 0 {
		return fmt.Errorf("rpc timeouts and retries must not be negative")
	}
	if c.Grant.TableSize <= 0 {
		return fmt.Errorf("grant.tableSize %d must be positive", c.Grant.TableSize)
	}
	if c.Memory.Pages <= 0 {
		return fmt.Errorf("memory.pages %d must be positive", c.Memory.Pages)
	}
	if c.Memory.Backing != BackingHeap && c.Memory.Backing != BackingMmap {
		return fmt.Errorf("memory.backing %q must be %q or %q", c.Memory.Backing, BackingHeap, BackingMmap)
	}
	if !semver.IsValid(c.ProtocolVersion) {
		return fmt.Errorf("protocolVersion %q is not a semantic version", c.ProtocolVersion)
	}
	if _, err := c.Authenticator(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Codec returns the directory codec for the configured page and handle
// sizes.
func (c Config) Codec() (pagedir.Codec, error) {
	return pagedir.New(c.PageSize, c.HandleSize)
}

func (c Config) RingLayout() ring.Layout {
	return ring.Layout{Capacity: c.Ring.Capacity, SlotSize: c.Ring.SlotSize}
}

func (c Config) ClientOptions(logger *slog.Logger) rpc.ClientOptions {
	return rpc.ClientOptions{
		Timeout:     c.RPC.Timeout,
		MaxInFlight: c.RPC.MaxInFlight,
		BusyRetries: c.RPC.BusyRetries,
		BusyBackoff: c.RPC.BusyBackoff,
		Logger:      logger,
	}
}

// Authenticator returns nil when no chain key is set.
func (c Config) Authenticator() (*pagedir.Authenticator, error) {
	if c.ChainKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("chainKey: %w", err)
	}
	a, err := pagedir.NewAuthenticator(key)
	if err != nil {
		return nil, fmt.Errorf("chainKey: %w", err)
	}
	return a, nil
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("logLevel: %w", err)
	}
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewAllocator returns the configured page source. The closer releases an
// mmap-backed arena.
func (c Config) NewAllocator() (mem.Allocator, io.Closer, error) {
	switch c.Memory.Backing {
	case BackingMmap:
		a, err := mem.NewArena(c.PageSize, c.Memory.Pages)
		if err != nil {
			return nil, nil, err
		}
		return a, a, nil
	default:
		return mem.NewHeapAllocator(c.PageSize, c.Memory.Pages), nopCloser{}, nil
	}
}

// Parse decodes YAML, fills in defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Write stores c as YAML at path.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
