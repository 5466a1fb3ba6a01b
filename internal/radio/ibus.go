// Package radio decodes FlySky iBus frames from an RC receiver on a serial
// port and turns them into normalised stick input.
package radio

import (
	"errors"
	"fmt"
)

const (
	ibusHeader1   = 0x20
	ibusHeader2   = 0x40
	ibusFrameSize = 32 // Header (2) + Channels (14 * 2) + Checksum (2)

	// NumChannels is the number of channels carried by an iBus frame
	NumChannels = 14
)

// ErrChecksum is returned for frames whose checksum does not match
var ErrChecksum = errors.New("ibus checksum mismatch")

// Frame holds raw channel values, normally 1000..2000 µs
type Frame [NumChannels]uint16

type decoderState uint8

const (
	waitingForHeader1 decoderState = iota
	waitingForHeader2
	readingPayload
)

// Decoder is a byte-at-a-time iBus frame parser. It resynchronises on the
// header after any malformed frame.
type Decoder struct {
	state decoderState
	buf   [ibusFrameSize]byte
	n     int
}

// Feed consumes a single byte. It returns true with the decoded frame when
// the byte completes a valid frame, and ErrChecksum when it completes a
// corrupted one.
func (d *Decoder) Feed(b byte) (Frame, bool, error) {
	switch d.state {
	case waitingForHeader1:
		if b == ibusHeader1 {
			d.buf[0] = b
			d.state = waitingForHeader2
		}

	case waitingForHeader2:
		if b == ibusHeader2 {
			d.buf[1] = b
			d.n = 2
			d.state = readingPayload
		} else if b != ibusHeader1 {
			d.state = waitingForHeader1
		}

	case readingPayload:
		d.buf[d.n] = b
		d.n++

		if d.n == ibusFrameSize {
			d.state = waitingForHeader1
			return decodeFrame(d.buf[:])
		}
	}

	return Frame{}, false, nil
}

// Reset discards any partially received frame
func (d *Decoder) Reset() {
	d.state = waitingForHeader1
	d.n = 0
}

func decodeFrame(buf []byte) (Frame, bool, error) {
	var f Frame

	want := uint16(buf[30]) | uint16(buf[31])<<8
	if got := checksum(buf[:30]); got != want {
		return f, false, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrChecksum, got, want)
	}

	for i := range f {
		f[i] = uint16(buf[2+i*2]) | uint16(buf[3+i*2])<<8
	}
	return f, true, nil
}

func checksum(buf []byte) uint16 {
	sum := uint16(0xFFFF)
	for _, b := range buf {
		sum -= uint16(b)
	}
	return sum
}

// Encode returns the wire representation of a frame
func Encode(f Frame) []byte {
	buf := make([]byte, ibusFrameSize)
	buf[0] = ibusHeader1
	buf[1] = ibusHeader2
	for i, v := range f {
		buf[2+i*2] = byte(v)
		buf[3+i*2] = byte(v >> 8)
	}

	sum := checksum(buf[:30])
	buf[30] = byte(sum)
	buf[31] = byte(sum >> 8)
	return buf
}
