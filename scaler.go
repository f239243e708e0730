package callmedia

// FitWithin returns the coded dimensions for a captured w×h frame under a
// maxW×maxH limit. Frames that already fit keep their exact size; larger
// frames are scaled by min(maxH/h, maxW/w) and truncated, preserving aspect.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if (maxW <= 0 || w <= maxW) && (maxH <= 0 || h <= maxH) {
		return w, h
	}
	switch {
	case maxW <= 0:
		return scaleToHeight(w, h, maxH)
	case maxH <= 0:
		return scaleToWidth(w, h, maxW)
	}
	return fitScaled(w, h, maxW, maxH)
}

// FitRect returns the largest srcW×srcH-proportioned rectangle that fits in
// availW×availH. Unlike FitWithin it scales up as well as down.
func FitRect(srcW, srcH, availW, availH int) (int, int) {
	if srcW <= 0 || srcH <= 0 || availW <= 0 || availH <= 0 {
		return 0, 0
	}
	return fitScaled(srcW, srcH, availW, availH)
}

// fitScaled picks the limiting axis with integer cross-multiplication so the
// limiting dimension lands exactly on its bound.
func fitScaled(w, h, maxW, maxH int) (int, int) {
	if maxW*h <= maxH*w {
		return scaleToWidth(w, h, maxW)
	}
	return scaleToHeight(w, h, maxH)
}

func scaleToWidth(w, h, maxW int) (int, int) {
	return maxW, max(h*maxW/w, 1)
}

func scaleToHeight(w, h, maxH int) (int, int) {
	return max(w*maxH/h, 1), maxH
}

// ResolutionPolicy decides encoder resolution renegotiation. It only acts
// when the captured dimensions actually change.
type ResolutionPolicy struct {
	MaxWidth, MaxHeight int

	capturedW, capturedH int
	codedW, codedH       int
}

// Update reports the coded dimensions for a captured frame and whether they
// differ from the previous coded dimensions.
func (p *ResolutionPolicy) Update(w, h int) (codedW, codedH int, changed bool) {
	if w == p.capturedW && h == p.capturedH {
		return p.codedW, p.codedH, false
	}
	p.capturedW, p.capturedH = w, h
	cw, ch := FitWithin(w, h, p.MaxWidth, p.MaxHeight)
	changed = cw != p.codedW || ch != p.codedH
	p.codedW, p.codedH = cw, ch
	return cw, ch, changed
}

// Coded returns the current coded dimensions.
func (p *ResolutionPolicy) Coded() (int, int) { return p.codedW, p.codedH }

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales the whole source into the target (may distort if aspects differ).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill crops the source to the target aspect ratio.
	ScaleModeFill
)

// VideoScaler scales I420 video frames into a reused output buffer.
type VideoScaler struct {
	dstWidth, dstHeight int
	mode                ScaleMode
	out                 *VideoFrame
}

// NewVideoScaler creates a scaler producing dstWidth×dstHeight frames.
func NewVideoScaler(dstWidth, dstHeight int, mode ScaleMode) *VideoScaler {
	return &VideoScaler{
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
		mode:      mode,
		out:       NewI420Frame(dstWidth, dstHeight),
	}
}

// Size returns the output dimensions.
func (s *VideoScaler) Size() (int, int) { return s.dstWidth, s.dstHeight }

// Scale scales an I420 frame to the target dimensions. The returned frame is
// reused by the next call; frames already at the target size pass through.
func (s *VideoScaler) Scale(frame *VideoFrame) *VideoFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		return frame
	}

	srcX, srcY, srcW, srcH := s.sourceRegion(frame.Width, frame.Height)
	dw, dh := s.dstWidth, s.dstHeight
	cw, ch := (dw+1)/2, (dh+1)/2

	scalePlane(frame.Data[0], frame.Stride[0], srcX, srcY, srcW, srcH, s.out.Data[0], dw, dw, dh)
	scalePlane(frame.Data[1], frame.Stride[1], srcX/2, srcY/2, max(srcW/2, 1), max(srcH/2, 1), s.out.Data[1], cw, cw, ch)
	scalePlane(frame.Data[2], frame.Stride[2], srcX/2, srcY/2, max(srcW/2, 1), max(srcH/2, 1), s.out.Data[2], cw, cw, ch)

	s.out.Timestamp = frame.Timestamp
	return s.out
}

// sourceRegion determines what region of the source to use based on scale mode.
func (s *VideoScaler) sourceRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(s.dstWidth) / float64(s.dstHeight)
	switch {
	case srcAspect > dstAspect:
		// Source is wider, crop horizontally
		newW := int(float64(srcH) * dstAspect)
		return ((srcW - newW) / 2) &^ 1, 0, newW, srcH
	case srcAspect < dstAspect:
		// Source is taller, crop vertically
		newH := int(float64(srcW) / dstAspect)
		return 0, ((srcH - newH) / 2) &^ 1, srcW, newH
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
		y0 := srcYFP>>16 + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		yWeight := srcYFP & 0xFFFF

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			x0 := srcXFP>>16 + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}
			xWeight := srcXFP & 0xFFFF

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-xWeight) + p10*xWeight) >> 16
			bottom := (p01*(0x10000-xWeight) + p11*xWeight) >> 16
			dst[y*dstStride+x] = byte((top*(0x10000-yWeight) + bottom*yWeight) >> 16)
		}
	}
}
