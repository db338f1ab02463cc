package capture

import (
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects frames. Zero fields match everything.
type Filter struct {
	Direction *Direction
	Peer      uint64
	Command   string
}

func (f *Filter) matches(fr Frame) bool {
	if f.Direction != nil && fr.Direction != *f.Direction {
		return false
	}
	if f.Peer != 0 && fr.Peer != f.Peer {
		return false
	}
	if f.Command != "" && fr.Command != f.Command {
		return false
	}
	return true
}

// Reader streams frames from a capture file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens a capture file for reading every frame.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens a capture file returning only frames matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: newDecoder(f),
		filter:  filter,
	}, nil
}

// Next returns the next matching frame, or io.EOF at the end of the file.
func (r *Reader) Next() (Frame, error) {
	for {
		var fr Frame
		if err := r.decoder.Decode(&fr); err != nil {
			if err == io.EOF {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		if r.filter.matches(fr) {
			return fr, nil
		}
	}
}

// ReadAll returns every remaining matching frame.
func (r *Reader) ReadAll() ([]Frame, error) {
	var out []Frame
	for {
		fr, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, fr)
	}
}

func (r *Reader) Close() error {
	return r.file.Close()
}
