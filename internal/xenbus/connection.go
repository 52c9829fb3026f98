package xenbus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/mod/semver"
)

// Connection is the record a frontend publishes for its backend: where the
// ring lives, how it is shaped and which port kicks it.
type Connection struct {
	Version   string `cbor:"1,keyasint"`
	RingRef   uint64 `cbor:"2,keyasint"`
	RingPages uint32 `cbor:"3,keyasint"`
	RingTag   []byte `cbor:"4,keyasint,omitempty"`
	Port      uint32 `cbor:"5,keyasint"`
	Capacity  uint32 `cbor:"6,keyasint"`
	SlotSize  uint32 `cbor:"7,keyasint"`
	Domain    uint16 `cbor:"8,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
	dm, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

func connectionPath(dir string) string { return Join(dir, "connection") }

// PublishConnection writes c under dir.
func (s *Store) PublishConnection(dir string, c Connection) error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("xenbus: invalid protocol version %q", c.Version)
	}
	b, err := encMode.Marshal(c)
	if err != nil {
		return fmt.Errorf("xenbus: encode connection: %w", err)
	}
	s.Write(connectionPath(dir), b)
	return nil
}

// ReadConnection reads the record published under dir.
func (s *Store) ReadConnection(dir string) (Connection, error) {
	b, err := s.Read(connectionPath(dir))
	if err != nil {
		return Connection{}, err
	}
	var c Connection
	if err := decMode.Unmarshal(b, &c); err != nil {
		return Connection{}, fmt.Errorf("xenbus: decode connection under %s: %w", dir, err)
	}
	return c, nil
}

// Compatible checks that a frontend speaking front can use a backend
// speaking back: the major versions match and the backend is not older.
func Compatible(front, back string) error {
	if !semver.IsValid(front) || !semver.IsValid(back) {
		return fmt.Errorf("%w: %q and %q", ErrIncompatible, front, back)
	}
	if semver.Major(front) != semver.Major(back) {
		return fmt.Errorf("%w: frontend %s, backend %s", ErrIncompatible, front, back)
	}
	if semver.Compare(front, back) > 0 {
		return fmt.Errorf("%w: frontend %s is newer than backend %s", ErrIncompatible, front, back)
	}
	return nil
}
