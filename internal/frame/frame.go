package frame

import (
	"errors"
	"fmt"
)

// ErrContractViolation is returned when a pixel buffer is read with the wrong
// sample width, or when pixel data is requested from the end-of-stream sentinel.
var ErrContractViolation = errors.New("frame: contract violation")

// Metadata is a free-form tag record attached to a frame or an acquisition.
type Metadata map[string]any

// Clone returns a shallow copy of m. A nil record stays nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Pixels is a pixel buffer of a fixed sample width. The only implementations
// are Bytes and Shorts.
type Pixels interface {
	// Len returns the number of samples
	Len() int
	// BitDepth returns the declared sample width in bits
	BitDepth() int

	sealed()
}

// Bytes holds 8-bit samples.
type Bytes []byte

func (b Bytes) Len() int      { return len(b) }
func (b Bytes) BitDepth() int { return 8 }
func (Bytes) sealed()         {}

// Shorts holds 16-bit samples.
type Shorts []uint16

func (s Shorts) Len() int      { return len(s) }
func (s Shorts) BitDepth() int { return 16 }
func (Shorts) sealed()         {}

// TaggedImage pairs a pixel buffer with its metadata, or marks the end of an
// image stream. It is immutable once built; use New or EndOfStream.
type TaggedImage struct {
	pixels      Pixels
	tags        Metadata
	endOfStream bool
}

// New builds a frame. pixels must not be nil; tags may be nil (the first
// test image of an acquisition has none). Passing nil pixels is a programming
// error and panics.
func New(pixels Pixels, tags Metadata) TaggedImage {
	if pixels == nil {
		panic(fmt.Errorf("%w: frame built without pixels", ErrContractViolation))
	}
	return TaggedImage{pixels: pixels, tags: tags}
}

// EndOfStream returns the sentinel that follows the last frame of a stream.
func EndOfStream() TaggedImage {
	return TaggedImage{endOfStream: true}
}

// IsEndOfStream reports whether img was produced by EndOfStream.
func (img TaggedImage) IsEndOfStream() bool {
	return img.endOfStream
}

// Pixels returns the pixel buffer, nil for the sentinel.
func (img TaggedImage) Pixels() Pixels {
	return img.pixels
}

// Tags returns the frame metadata, nil for the sentinel.
func (img TaggedImage) Tags() Metadata {
	return img.tags
}

// Is8Bit reports whether the frame carries 8-bit samples.
func (img TaggedImage) Is8Bit() bool {
	_, ok := img.pixels.(Bytes)
	return ok
}

// Bytes returns the 8-bit samples of the frame.
func (img TaggedImage) Bytes() ([]byte, error) {
	b, ok := img.pixels.(Bytes)
	if !ok {
		return nil, img.violation(8)
	}
	return b, nil
}

// Shorts returns the 16-bit samples of the frame.
func (img TaggedImage) Shorts() ([]uint16, error) {
	s, ok := img.pixels.(Shorts)
	if !ok {
		return nil, img.violation(16)
	}
	return s, nil
}

// BigEndian16 returns the 16-bit samples encoded most-significant byte first.
func (img TaggedImage) BigEndian16() ([]byte, error) {
	s, err := img.Shorts()
	if err != nil {
		return nil, err
	}
	return EncodeBigEndian16(s), nil
}

func (img TaggedImage) violation(want int) error {
	if img.endOfStream {
		return fmt.Errorf("%w: end-of-stream carries no pixels", ErrContractViolation)
	}
	return fmt.Errorf("%w: %d-bit access to %d-bit pixels", ErrContractViolation, want, img.pixels.BitDepth())
}
