package systray

import (
	"fmt"
	"image"
	"image/png"
	"os"
)

// Icon represents a single pixmap of the system tray item.
//
// Bytes holds Width*Height pixels in ARGB32 format, network byte order, as
// sent over the bus.
type Icon struct {
	Width  int32
	Height int32
	Bytes  []byte
}

// NewIconFromDBusPixmap returns a new [Icon] from D-Bus pixmap.
//
// Format of pixmap is as follows
//
//	[<width>, <height>, <bytes>]
//
// Where:
//   - <width>: width of the icon (int32)
//   - <height>: height of the icon (int32)
//   - <bytes>: content of the icon ([]byte)
func NewIconFromDBusPixmap(pixmap any) (*Icon, error) {
	data, ok := pixmap.([]any)
	if !ok || len(data) != 3 {
		return nil, fmt.Errorf("invalid pixmap format: expected a slice of 3 elements")
	}

	width, ok := data[0].(int32)
	if !ok {
		return nil, fmt.Errorf("invalid width type: expected int32")
	}

	height, ok := data[1].(int32)
	if !ok {
		return nil, fmt.Errorf("invalid height type: expected int32")
	}

	bytes, ok := data[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid bytes format: expected []byte")
	}

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid pixmap size %dx%d", width, height)
	}

	if len(bytes) < int(width)*int(height)*4 {
		return nil, fmt.Errorf("invalid pixmap length: %d bytes for %dx%d", len(bytes), width, height)
	}

	return &Icon{
		Width:  width,
		Height: height,
		Bytes:  bytes,
	}, nil
}

// Image converts the icon to an image with straight RGBA pixels.
func (icon *Icon) Image() *image.NRGBA {
	w, h := int(icon.Width), int(icon.Height)

	return &image.NRGBA{
		Pix:    ARGBToRGBA(icon.Bytes[:w*h*4]),
		Stride: w * 4,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// ARGBToRGBA returns a copy of argb with every 4-byte pixel rotated from
// A,R,G,B to R,G,B,A. Trailing bytes that do not form a whole pixel are
// dropped.
func ARGBToRGBA(argb []byte) []byte {
	n := len(argb) / 4 * 4
	rgba := make([]byte, n)

	for i := 0; i < n; i += 4 {
		rgba[i] = argb[i+1]
		rgba[i+1] = argb[i+2]
		rgba[i+2] = argb[i+3]
		rgba[i+3] = argb[i]
	}

	return rgba
}

// IconSet is the same icon in several resolutions, as advertised by the
// IconPixmap, AttentionIconPixmap and OverlayIconPixmap properties.
type IconSet []*Icon

// NewIconSetFromDBusProperty returns a new [IconSet] from the value of a
// pixmap property of type a(iiay). Malformed entries are skipped.
func NewIconSetFromDBusProperty(value any) (IconSet, error) {
	var entries []any

	switch v := value.(type) {
	case [][]any:
		entries = make([]any, len(v))
		for i := range v {
			entries[i] = v[i]
		}
	case []any:
		entries = v
	default:
		return nil, fmt.Errorf("invalid icon set format: expected an array, got %T", value)
	}

	set := make(IconSet, 0, len(entries))

	for _, entry := range entries {
		icon, err := NewIconFromDBusPixmap(entry)
		if err != nil {
			continue
		}

		set = append(set, icon)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("icon set contains no valid pixmaps")
	}

	return set, nil
}

// Best returns the smallest icon whose width and height are both at least
// size. If every icon is smaller than size, the smallest icon overall is
// returned. Best returns nil for an empty set.
func (s IconSet) Best(size int) *Icon {
	var fit, smallest *Icon

	area := func(icon *Icon) int {
		return int(icon.Width) * int(icon.Height)
	}

	for _, icon := range s {
		if smallest == nil || area(icon) < area(smallest) {
			smallest = icon
		}

		if int(icon.Width) < size || int(icon.Height) < size {
			continue
		}

		if fit == nil || area(icon) < area(fit) {
			fit = icon
		}
	}

	if fit != nil {
		return fit
	}

	return smallest
}

// decodePNGFile reads a PNG image from path.
func decodePNGFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return img, nil
}
