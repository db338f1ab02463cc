// Package capture records inter-PAN touchlink traffic to an append-only CBOR
// file and reads it back.
package capture

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction indicates message flow relative to the local node.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Frame is one captured inter-PAN frame. Peer is the source IEEE address for
// received frames and the destination for sent ones (all ones for
// broadcasts). CBOR encoding uses integer keys.
type Frame struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Direction Direction `cbor:"2,keyasint"`
	Channel   uint8     `cbor:"3,keyasint"`
	Peer      uint64    `cbor:"4,keyasint"`
	LQI       uint8     `cbor:"5,keyasint,omitempty"`
	Command   string    `cbor:"6,keyasint,omitempty"`
	Seq       uint8     `cbor:"7,keyasint"`
	Data      []byte    `cbor:"8,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture: cbor decoder mode: %v", err))
	}
}

// EncodeFrame encodes a single frame.
func EncodeFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

// DecodeFrame decodes a single frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
