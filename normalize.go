package scan

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a frame's planes do not cover its
// declared dimensions.
var ErrMalformedFrame = errors.New("malformed frame")

// Normalize converts a frame of any supported format to a tightly packed
// Gray8 frame allocated from pool. The source frame is not released; the
// caller still owns it.
func Normalize(src *Frame, pool *FramePool) (*Frame, error) {
	if src == nil || src.Width <= 0 || src.Height <= 0 {
		return nil, ErrMalformedFrame
	}
	if len(src.Planes) < 1 || len(src.Strides) < 1 {
		return nil, fmt.Errorf("%w: no planes", ErrMalformedFrame)
	}

	w, h := src.Width, src.Height
	plane, stride := src.Planes[0], src.Strides[0]
	bpp := src.Format.BytesPerPixel()
	if stride < w*bpp || len(plane) < stride*(h-1)+w*bpp {
		return nil, fmt.Errorf("%w: %s plane %d bytes (stride %d) for %dx%d",
			ErrMalformedFrame, src.Format, len(plane), stride, w, h)
	}

	if pool == nil {
		pool = NewFramePool()
	}
	out := pool.NewPooledFrame(w, h, w, PixelFormatGray8, src.CapturedAt)
	dst := out.Planes[0]

	switch src.Format {
	case PixelFormatI420, PixelFormatNV12, PixelFormatGray8:
		// Luma is already the first plane.
		for y := 0; y < h; y++ {
			copy(dst[y*w:(y+1)*w], plane[y*stride:y*stride+w])
		}
	case PixelFormatRGB24:
		packedToGray(dst, plane, w, h, stride, 3, 0, 1, 2)
	case PixelFormatRGBA32:
		packedToGray(dst, plane, w, h, stride, 4, 0, 1, 2)
	case PixelFormatBGRA32:
		packedToGray(dst, plane, w, h, stride, 4, 2, 1, 0)
	default:
		out.Release()
		return nil, fmt.Errorf("%w: unsupported format %s", ErrMalformedFrame, src.Format)
	}

	return out, nil
}

// packedToGray converts packed RGB-family pixels to BT.601 luma using
// 8-bit fixed point coefficients.
func packedToGray(dst, src []byte, w, h, stride, bpp, ri, gi, bi int) {
	for y := 0; y < h; y++ {
		row := src[y*stride:]
		out := dst[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			p := row[x*bpp:]
			r, g, b := int(p[ri]), int(p[gi]), int(p[bi])
			out[x] = byte((66*r+129*g+25*b+128)>>8 + 16)
		}
	}
}
