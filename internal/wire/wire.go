// Package wire implements the length-prefixed framing used on clipstash
// local sockets.
//
// Wire format:
//
//	[length uint32][code int32][data ...]
//
// Both integers are big-endian. The length covers the code and the data but
// not itself, so a frame with no data has length 4. Frames are delivered
// strictly in arrival order and never before all declared bytes have
// arrived, regardless of how the transport chunks them.
package wire

import (
	"encoding/binary"
	"fmt"

	"go.klb.dev/clipstash/internal/message"
)

const (
	// MaxFrameSize is the largest frame we will accept (16 MiB).
	MaxFrameSize = 16 * 1024 * 1024

	lenSize  = 4
	codeSize = 4
)

// Frame is one decoded protocol frame.
type Frame struct {
	Code message.Code
	Data []byte
}

// Encode serialises the frame, length prefix included.
func (f Frame) Encode() []byte {
	b := make([]byte, lenSize+codeSize+len(f.Data))
	binary.BigEndian.PutUint32(b, uint32(codeSize+len(f.Data)))
	binary.BigEndian.PutUint32(b[lenSize:], uint32(f.Code))
	copy(b[lenSize+codeSize:], f.Data)
	return b
}

// Decoder reassembles frames from an arbitrarily chunked byte stream. The
// zero value is ready to use.
type Decoder struct {
	buf       []byte
	length    uint32
	hasLength bool
}

// Feed appends p to the reassembly buffer and returns every frame that is
// now complete, in order. A framing violation returns the frames decoded so
// far plus an error; the stream is poisoned and must be abandoned.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf = append(d.buf, p...)
	var frames []Frame
	for {
		if !d.hasLength {
			if len(d.buf) < lenSize {
				return frames, nil
			}
			d.length = binary.BigEndian.Uint32(d.buf)
			if d.length < codeSize {
				return frames, fmt.Errorf("frame length %d shorter than message code", d.length)
			}
			if d.length > MaxFrameSize {
				return frames, fmt.Errorf("frame length %d exceeds %d", d.length, MaxFrameSize)
			}
			d.buf = d.buf[lenSize:]
			d.hasLength = true
		}
		if uint32(len(d.buf)) < d.length {
			return frames, nil
		}
		data := make([]byte, d.length-codeSize)
		copy(data, d.buf[codeSize:d.length])
		frames = append(frames, Frame{
			Code: message.Code(binary.BigEndian.Uint32(d.buf)),
			Data: data,
		})
		d.buf = d.buf[d.length:]
		d.hasLength = false
	}
}
