package frame

import (
	"encoding/binary"
	"fmt"
	"image"
)

// Metadata keys shared by engines and sinks.
const (
	TagWidth       = "Width"
	TagHeight      = "Height"
	TagPixelType   = "PixelType"
	TagBitDepth    = "BitDepth"
	TagImageNumber = "ImageNumber"
	TagElapsedMs   = "ElapsedTime-ms"
	TagAxes        = "Axes"
)

// EncodeBigEndian16 writes each sample most-significant byte first, in order.
// The byte order is fixed and does not depend on the host.
func EncodeBigEndian16(samples []uint16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.BigEndian.PutUint16(out[2*i:], s)
	}
	return out
}

// DecodeBigEndian16 is the inverse of EncodeBigEndian16.
func DecodeBigEndian16(b []byte) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("decode 16-bit samples: odd byte count %d", len(b))
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return out, nil
}

// To8Bit reduces samples with the given significant bit depth (9..16) to 8
// bits by dropping the low-order bits.
func To8Bit(samples []uint16, bitDepth int) []byte {
	if bitDepth < 8 {
		bitDepth = 8
	}
	if bitDepth > 16 {
		bitDepth = 16
	}
	shift := uint(bitDepth - 8)
	out := make([]byte, len(samples))
	for i, s := range samples {
		v := s >> shift
		if v > 0xFF {
			v = 0xFF
		}
		out[i] = byte(v)
	}
	return out
}

// To16Bit widens 8-bit samples without rescaling.
func To16Bit(samples []byte) []uint16 {
	out := make([]uint16, len(samples))
	for i, s := range samples {
		out[i] = uint16(s)
	}
	return out
}

// ToImage wraps a pixel buffer as a standard library gray image.
func ToImage(p Pixels, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if p.Len() != width*height {
		return nil, fmt.Errorf("pixel count %d does not match %dx%d", p.Len(), width, height)
	}
	rect := image.Rect(0, 0, width, height)
	switch px := p.(type) {
	case Bytes:
		return &image.Gray{Pix: px, Stride: width, Rect: rect}, nil
	case Shorts:
		// image.Gray16 stores samples big-endian, the same layout as the wire encoding
		return &image.Gray16{Pix: EncodeBigEndian16(px), Stride: 2 * width, Rect: rect}, nil
	default:
		return nil, fmt.Errorf("unsupported pixel buffer %T", p)
	}
}

// Dimensions reads the Width and Height tags of a frame.
func Dimensions(tags Metadata) (width, height int, err error) {
	width, okW := intTag(tags, TagWidth)
	height, okH := intTag(tags, TagHeight)
	if !okW || !okH {
		return 0, 0, fmt.Errorf("metadata lacks %s/%s tags", TagWidth, TagHeight)
	}
	return width, height, nil
}

func intTag(tags Metadata, key string) (int, bool) {
	switch v := tags[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
