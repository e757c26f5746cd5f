package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var emptySlice []byte

func SetEmptySlice(length int) {
	if len(emptySlice) < length {
		emptySlice = make([]byte, length)
	}
}

// Payload is the ring pool element holding one outstanding segment's data
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. The only parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		return nil
	}

	SetEmptySlice(bufferLength)

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent is part of rp.DataInterface.
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: Source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("Payload Copy: Source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// newPayloadPool creates the pool outstanding segment data is kept in.
// A size of zero means no pool, and callers fall back to heap copies.
func newPayloadPool(size, chunkLength int, debug bool) *rp.RingPool {
	if size == 0 {
		return nil
	}
	rp.Debug = debug
	pool := rp.NewRingPool("TCP: ", size, NewPayload, chunkLength)
	pool.Debug = debug
	return pool
}
