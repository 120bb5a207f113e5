package frame

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndOfStream(t *testing.T) {
	eos := EndOfStream()

	assert.True(t, eos.IsEndOfStream())
	assert.Nil(t, eos.Pixels())
	assert.Nil(t, eos.Tags())

	t.Run("pixel access is rejected", func(t *testing.T) {
		_, err := eos.Bytes()
		assert.ErrorIs(t, err, ErrContractViolation)
		_, err = eos.Shorts()
		assert.ErrorIs(t, err, ErrContractViolation)
		_, err = eos.BigEndian16()
		assert.ErrorIs(t, err, ErrContractViolation)
	})
}

func TestNew(t *testing.T) {
	t.Run("real frames are not end of stream", func(t *testing.T) {
		assert.False(t, New(Bytes{1, 2}, Metadata{"k": "v"}).IsEndOfStream())
		assert.False(t, New(Shorts{1, 2}, nil).IsEndOfStream())
		assert.False(t, New(Bytes{}, nil).IsEndOfStream())
	})

	t.Run("metadata may be absent", func(t *testing.T) {
		img := New(Bytes{7}, nil)
		assert.Nil(t, img.Tags())
	})

	t.Run("nil pixels panic", func(t *testing.T) {
		assert.Panics(t, func() { New(nil, Metadata{}) })
	})

	t.Run("zero value is not a sentinel", func(t *testing.T) {
		var img TaggedImage
		assert.False(t, img.IsEndOfStream())
	})
}

func TestPixelAccessors(t *testing.T) {
	eight := New(Bytes{1, 2, 3}, nil)
	sixteen := New(Shorts{0x0102, 0x0304}, nil)

	t.Run("8-bit frame", func(t *testing.T) {
		assert.True(t, eight.Is8Bit())
		b, err := eight.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, b)

		_, err = eight.Shorts()
		assert.ErrorIs(t, err, ErrContractViolation)
		_, err = eight.BigEndian16()
		assert.ErrorIs(t, err, ErrContractViolation)
	})

	t.Run("16-bit frame", func(t *testing.T) {
		assert.False(t, sixteen.Is8Bit())
		s, err := sixteen.Shorts()
		require.NoError(t, err)
		assert.Equal(t, []uint16{0x0102, 0x0304}, s)

		_, err = sixteen.Bytes()
		assert.ErrorIs(t, err, ErrContractViolation)

		enc, err := sixteen.BigEndian16()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, enc)
	})

	t.Run("exhaustive switch", func(t *testing.T) {
		for _, img := range []TaggedImage{eight, sixteen} {
			switch p := img.Pixels().(type) {
			case Bytes:
				assert.Equal(t, 8, p.BitDepth())
			case Shorts:
				assert.Equal(t, 16, p.BitDepth())
			default:
				t.Fatalf("unexpected pixels %T", p)
			}
		}
	})
}

func TestMetadataClone(t *testing.T) {
	var empty Metadata
	assert.Nil(t, empty.Clone())

	m := Metadata{"a": 1}
	c := m.Clone()
	c["a"] = 2
	assert.Equal(t, 1, m["a"])
}

func TestEncodeBigEndian16(t *testing.T) {
	samples := []uint16{0, 0x00FF, 0xFF00, 0xFFFF, 0x1234}

	enc := EncodeBigEndian16(samples)
	require.Len(t, enc, 2*len(samples))
	assert.Equal(t, []byte{
		0x00, 0x00,
		0x00, 0xFF,
		0xFF, 0x00,
		0xFF, 0xFF,
		0x12, 0x34,
	}, enc)

	// decode two bytes at a time, most significant first
	for i, want := range samples {
		got := uint16(enc[2*i])<<8 | uint16(enc[2*i+1])
		assert.Equal(t, want, got, "sample %d", i)
	}

	dec, err := DecodeBigEndian16(enc)
	require.NoError(t, err)
	assert.Equal(t, samples, dec)

	assert.Empty(t, EncodeBigEndian16(nil))
}

func TestDecodeBigEndian16_OddLength(t *testing.T) {
	_, err := DecodeBigEndian16([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDepthConversion(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0xFF}, To8Bit([]uint16{0, 0x00FF, 0xFF00, 0xFFFF}, 16))
	assert.Equal(t, []byte{0x00, 0x1F, 0xFF}, To8Bit([]uint16{0, 0x01FF, 0x0FFF}, 12))
	// values above the declared depth saturate
	assert.Equal(t, []byte{0xFF}, To8Bit([]uint16{0xFFFF}, 12))
	assert.Equal(t, []uint16{0, 1, 255}, To16Bit([]byte{0, 1, 255}))
}

func TestToImage(t *testing.T) {
	t.Run("8-bit", func(t *testing.T) {
		img, err := ToImage(Bytes{10, 20, 30, 40}, 2, 2)
		require.NoError(t, err)
		gray, ok := img.(*image.Gray)
		require.True(t, ok)
		assert.Equal(t, uint8(40), gray.GrayAt(1, 1).Y)
	})

	t.Run("16-bit", func(t *testing.T) {
		img, err := ToImage(Shorts{1, 2, 0xABCD, 4}, 2, 2)
		require.NoError(t, err)
		gray, ok := img.(*image.Gray16)
		require.True(t, ok)
		assert.Equal(t, uint16(0xABCD), gray.Gray16At(0, 1).Y)
	})

	t.Run("size mismatch", func(t *testing.T) {
		_, err := ToImage(Bytes{1, 2, 3}, 2, 2)
		assert.Error(t, err)
		_, err = ToImage(Bytes{}, 0, 0)
		assert.Error(t, err)
	})
}

func TestDimensions(t *testing.T) {
	w, h, err := Dimensions(Metadata{TagWidth: 4, TagHeight: float64(3)})
	require.NoError(t, err)
	assert.Equal(t, 4, w)
	assert.Equal(t, 3, h)

	_, _, err = Dimensions(nil)
	assert.Error(t, err)
}
