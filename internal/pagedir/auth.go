package pagedir

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TagSize is the length of a chain tag.
const TagSize = 16

// ErrChainAuth is returned when a decoded chain does not match its tag.
var ErrChainAuth = errors.New("pagedir: directory chain failed authentication")

// Tag authenticates one decoded handle list.
type Tag [TagSize]byte

// Authenticator computes keyed tags over handle lists. Both ends of a
// channel must hold the same key.
type Authenticator struct {
	key []byte
}

func NewAuthenticator(key []byte) (*Authenticator, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("pagedir: chain key must be 1..%d bytes, got %d", blake2b.Size, len(key))
	}
	return &Authenticator{key: append([]byte(nil), key...)}, nil
}

// Sum returns the tag for handles.
func (a *Authenticator) Sum(handles []Handle) Tag {
	h, err := blake2b.New(TagSize, a.key)
	if err != nil {
		// Key length is checked in NewAuthenticator.
		panic(err)
	}
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], uint64(len(handles)))
	h.Write(word[:])
	for _, v := range handles {
		binary.LittleEndian.PutUint64(word[:], uint64(v))
		h.Write(word[:])
	}
	var tag Tag
	copy(tag[:], h.Sum(nil))
	return tag
}

// Verify checks tag against handles.
func (a *Authenticator) Verify(handles []Handle, tag Tag) error {
	want := a.Sum(handles)
	if subtle.ConstantTimeCompare(want[:], tag[:]) != 1 {
		return ErrChainAuth
	}
	return nil
}
