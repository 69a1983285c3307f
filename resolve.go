package systray

import (
	"image"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FallbackIconSize is the pixmap size used when the sink does not report
	// one.
	FallbackIconSize = 24

	// MissingIconName is the theme icon shown for items that advertise no
	// usable icon.
	MissingIconName = "image-missing"
)

// iconSource is one of the icon, attention icon and overlay icon of an item.
type iconSource struct {
	Name   string
	Pixmap IconSet
}

func (s iconSource) empty() bool {
	return s.Name == "" && len(s.Pixmap) == 0
}

// iconRequest is the snapshot of item properties icon resolution works on.
type iconRequest struct {
	Status    ItemStatus
	Primary   iconSource
	Attention iconSource
	Overlay   iconSource
	ThemePath string
	Size      int
}

// resolvedIcon is either a name for the sink (theme icon name or file path)
// or a raster that must be written to a file first.
type resolvedIcon struct {
	Name  string
	Image image.Image
}

// resolveIcon picks the icon to show for req. The first match wins:
//
//  1. The attention icon replaces the primary one if status is NeedsAttention.
//  2. With an overlay, primary and overlay are composed when both are
//     available as rasters.
//  3. An absolute icon name is used as is.
//  4. A bare icon name is looked up in the theme path, svg before png.
//  5. A bare icon name is passed to the theme lookup of the sink.
//  6. The pixmap variant closest to the requested size is rendered.
func resolveIcon(req iconRequest) resolvedIcon {
	if req.Size <= 0 {
		req.Size = FallbackIconSize
	}

	source := req.Primary
	if req.Status == ItemStatusNeedsAttention && !req.Attention.empty() {
		source = req.Attention
	}

	if !req.Overlay.empty() {
		base := rasterIcon(source, req.ThemePath, req.Size)
		overlay := rasterIcon(req.Overlay, req.ThemePath, req.Size)

		if base != nil && overlay != nil {
			return resolvedIcon{Image: ComposeOverlay(base, overlay, req.Size)}
		}
	}

	if source.Name != "" {
		if filepath.IsAbs(source.Name) {
			return resolvedIcon{Name: source.Name}
		}

		if path, ok := findInThemePath(req.ThemePath, source.Name, ".svg", ".png"); ok {
			return resolvedIcon{Name: path}
		}

		return resolvedIcon{Name: source.Name}
	}

	if icon := source.Pixmap.Best(req.Size); icon != nil {
		return resolvedIcon{Image: icon.Image()}
	}

	return resolvedIcon{Name: MissingIconName}
}

// rasterIcon returns source as an image, or nil if it is only available as
// something the sink has to look up itself (theme names, SVG files).
func rasterIcon(source iconSource, themePath string, size int) image.Image {
	if source.Name != "" {
		path := ""

		switch {
		case filepath.IsAbs(source.Name):
			path = source.Name
		default:
			path, _ = findInThemePath(themePath, source.Name, ".png")
		}

		if strings.EqualFold(filepath.Ext(path), ".png") {
			if img, err := decodePNGFile(path); err == nil {
				return img
			}
		}
	}

	if icon := source.Pixmap.Best(size); icon != nil {
		return icon.Image()
	}

	return nil
}

func findInThemePath(themePath, name string, extensions ...string) (string, bool) {
	if themePath == "" {
		return "", false
	}

	for _, ext := range extensions {
		path := filepath.Join(themePath, name+ext)

		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}

	return "", false
}
