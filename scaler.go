package scan

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio.
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (may crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

// Scaler scales Gray8 frames. It is not safe for concurrent use; the
// pipeline only calls it while holding the preview lock.
type Scaler struct {
	dstWidth, dstHeight int
	mode                ScaleMode
	pool                *FramePool
}

// NewScaler creates a scaler producing dstWidth x dstHeight frames from pool.
func NewScaler(dstWidth, dstHeight int, mode ScaleMode, pool *FramePool) *Scaler {
	if pool == nil {
		pool = NewFramePool()
	}
	return &Scaler{
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
		mode:      mode,
		pool:      pool,
	}
}

// Scale scales a Gray8 frame to the target dimensions. It always returns a
// new owned frame; src is left to the caller.
func (s *Scaler) Scale(src *Frame) *Frame {
	if src.Width == s.dstWidth && src.Height == s.dstHeight {
		return src.Clone(s.pool)
	}

	out := s.pool.NewPooledFrame(s.dstWidth, s.dstHeight, s.dstWidth, PixelFormatGray8, src.CapturedAt)

	srcX, srcY, srcW, srcH := s.calculateSourceRegion(src.Width, src.Height)
	scalePlane(src.Planes[0], src.Strides[0], srcX, srcY, srcW, srcH,
		out.Planes[0], s.dstWidth, s.dstWidth, s.dstHeight)

	return out
}

// calculateSourceRegion determines what region of the source to use based on scale mode.
func (s *Scaler) calculateSourceRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}

	// Crop source to match target aspect ratio
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(s.dstWidth) / float64(s.dstHeight)

	if srcAspect > dstAspect {
		newW := int(float64(srcH) * dstAspect)
		return (srcW - newW) / 2, 0, newW, srcH
	} else if srcAspect < dstAspect {
		newH := int(float64(srcW) / dstAspect)
		return 0, (srcH - newH) / 2, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// scalePlane scales a single plane using bilinear interpolation.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	// Fixed-point scaling factors (16.16)
	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		srcYFrac := srcYFP & 0xFFFF

		y0 := (srcYFP >> 16) + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			srcXFrac := srcXFP & 0xFFFF

			x0 := (srcXFP >> 16) + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-srcXFrac) + p10*srcXFrac) >> 16
			bottom := (p01*(0x10000-srcXFrac) + p11*srcXFrac) >> 16

			dst[y*dstStride+x] = byte((top*(0x10000-srcYFrac) + bottom*srcYFrac) >> 16)
		}
	}
}

// PreviewSize returns the preview dimensions for a source frame, capped at
// maxWidth and keeping the aspect ratio. maxWidth <= 0 disables scaling.
func PreviewSize(srcW, srcH, maxWidth int) (w, h int) {
	if maxWidth <= 0 || srcW <= maxWidth {
		return srcW, srcH
	}
	w = maxWidth
	h = srcH * maxWidth / srcW
	if h < 1 {
		h = 1
	}
	return w, h
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	switch mode {
	case ScaleModeFit:
		srcAspect := float64(srcW) / float64(srcH)
		dstAspect := float64(maxW) / float64(maxH)

		if srcAspect > dstAspect {
			w = maxW
			h = int(float64(maxW) / srcAspect)
		} else {
			h = maxH
			w = int(float64(maxH) * srcAspect)
		}
		return w, h

	default:
		return maxW, maxH
	}
}
