package systray

import (
	"image"

	"golang.org/x/image/draw"
)

// ComposeOverlay renders base scaled to size x size and blends overlay,
// scaled to half of size, over its bottom-right quadrant.
func ComposeOverlay(base, overlay image.Image, size int) *image.NRGBA {
	if size <= 0 {
		size = FallbackIconSize
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), base, base.Bounds(), draw.Src, nil)

	half := size / 2
	if half == 0 || overlay == nil {
		return dst
	}

	corner := image.Rect(size-half, size-half, size, size)
	draw.ApproxBiLinear.Scale(dst, corner, overlay, overlay.Bounds(), draw.Over, nil)

	return dst
}
