package systray

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultCleanupDelay is how long a replaced rendered icon stays on disk.
const DefaultCleanupDelay = time.Second

// WrapperOptions configures [NewItemWrapper].
type WrapperOptions struct {
	// Directory for icons rendered from pixmaps. Defaults to os.TempDir().
	TmpDir string

	// Delay before a replaced rendered icon is deleted. Defaults to
	// DefaultCleanupDelay.
	CleanupDelay time.Duration

	// FallbackIconSize is used when the sink does not report a size.
	FallbackIconSize int

	// Whitelisted reports whether primary clicks on the ayatana item with the
	// given sortable name go straight to SecondaryActivate.
	Whitelisted func(name string) bool

	Logger *slog.Logger
}

// ItemWrapper keeps a [Sink] in sync with a remote [Item] and forwards user
// input on the sink back to the item.
//
// ItemWrapper must only be used from the loop.
type ItemWrapper struct {
	key  string
	item *Item
	sink Sink
	loop *Loop
	log  *slog.Logger
	opts WrapperOptions

	alive        bool
	status       ItemStatus
	menu         *Menu
	sortableName string

	prefix  string
	iconID  int
	pngPath string
	cleanup *timerSlot
}

// NewItemWrapper takes ownership of item and sink, starts the item and
// projects its current state onto the sink. If the item cannot be started,
// both are released and an error is returned.
func NewItemWrapper(key string, item *Item, sink Sink, loop *Loop, opts WrapperOptions) (*ItemWrapper, error) {
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}

	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = DefaultCleanupDelay
	}

	if opts.FallbackIconSize <= 0 {
		opts.FallbackIconSize = FallbackIconSize
	}

	if opts.Whitelisted == nil {
		opts.Whitelisted = func(string) bool { return false }
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w := &ItemWrapper{
		key:     key,
		item:    item,
		sink:    sink,
		loop:    loop,
		log:     opts.Logger.With("item", key),
		opts:    opts,
		alive:   true,
		prefix:  uuid.NewString(),
		cleanup: newTimerSlot(loop),
	}

	item.OnReady(w.updateAll)
	item.OnUpdateIcon(w.updateIcon)
	item.OnUpdateStatus(func(ItemStatus) {
		if w.updateStatus() {
			w.updateIcon()
		}
	})
	item.OnUpdateMenu(w.updateMenu)
	item.OnUpdateTooltip(w.updateTooltip)

	sink.OnButtonPress(w.buttonPress)
	sink.OnButtonRelease(w.buttonRelease)
	sink.OnScroll(w.scroll)
	sink.OnIconSizeChanged(func(int) { w.updateIcon() })

	if err := item.Start(); err != nil {
		w.Destroy()
		return nil, fmt.Errorf("wrap %s: %w", key, err)
	}

	return w, nil
}

// Key returns the registration key of the wrapped item.
func (w *ItemWrapper) Key() string {
	return w.key
}

// Item returns the wrapped item.
func (w *ItemWrapper) Item() *Item {
	return w.item
}

// Alive reports whether [ItemWrapper.Destroy] was not called yet.
func (w *ItemWrapper) Alive() bool {
	return w.alive
}

func (w *ItemWrapper) updateAll() {
	if !w.alive {
		return
	}

	w.sortableName = w.item.ID()
	if w.sortableName == "" {
		w.sortableName = w.item.Title()
	}

	w.log.Debug("sortable name assigned", "name", w.sortableName)
	w.sink.SetName(w.sortableName)

	w.updateStatus()
	w.updateMenu()
	w.updateTooltip()
	w.updateIcon()
}

// updateStatus reports whether the status changed.
func (w *ItemWrapper) updateStatus() bool {
	if !w.alive {
		return false
	}

	status := w.item.Status()
	changed := status != w.status
	w.status = status

	w.sink.SetVisible(status != ItemStatusPassive)

	return changed
}

func (w *ItemWrapper) updateMenu() {
	if !w.alive {
		return
	}

	if w.item.MenuPath() == "" {
		w.menu = nil
		w.sink.SetSecondaryMenu(nil)
		return
	}

	menu, err := w.item.Menu()
	if err != nil {
		w.log.Debug("failed to attach menu", "error", err)
		w.menu = nil
		w.sink.SetSecondaryMenu(nil)
		return
	}

	w.menu = menu
	w.sink.SetSecondaryMenu(menu)
}

func (w *ItemWrapper) updateTooltip() {
	if !w.alive {
		return
	}

	w.sink.SetTooltipText(w.item.Tooltip())
}

func (w *ItemWrapper) updateIcon() {
	if !w.alive {
		return
	}

	req := iconRequest{
		Status:    w.status,
		ThemePath: w.item.IconThemePath(),
		Size:      w.sink.IconSize(),
	}

	if req.Size <= 0 {
		req.Size = w.opts.FallbackIconSize
	}

	req.Overlay.Name = w.item.OverlayIconName()
	if req.Overlay.Name == "" {
		req.Overlay.Pixmap = w.item.OverlayIconPixmap()
	}

	raster := !req.Overlay.empty()

	if req.Status == ItemStatusNeedsAttention {
		req.Attention.Name = w.item.AttentionIconName()
		if req.Attention.Name == "" || raster {
			req.Attention.Pixmap = w.item.AttentionIconPixmap()
		}
	}

	req.Primary.Name = w.item.IconName()
	if req.Primary.Name == "" || raster {
		req.Primary.Pixmap = w.item.IconPixmap()
	}

	icon := resolveIcon(req)

	if icon.Image == nil {
		w.sink.SetIconName(icon.Name)
		return
	}

	path, err := w.writeIcon(icon.Image)
	if err != nil {
		w.log.Warn("failed to save rendered icon", "error", err)
		return
	}

	w.sink.SetIconName(path)
}

// writeIcon renders img to one of two alternating files and schedules
// removal of the file it replaces.
func (w *ItemWrapper) writeIcon(img image.Image) (string, error) {
	id := 1 - w.iconID
	path := w.iconPath(id)

	if err := writePNG(path, img); err != nil {
		return "", err
	}

	old := w.pngPath
	w.iconID = id
	w.pngPath = path

	// A newer replacement supersedes this one: its target is the file just
	// written.
	if old != "" && old != path {
		w.cleanup.schedule(w.opts.CleanupDelay, func() {
			if old != w.pngPath {
				os.Remove(old)
			}
		})
	}

	return path, nil
}

func (w *ItemWrapper) iconPath(id int) string {
	return filepath.Join(w.opts.TmpDir, fmt.Sprintf("sn-watcher-%s-%d.png", w.prefix, id))
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}

	return f.Close()
}

func (w *ItemWrapper) buttonPress(event ButtonEvent) {
	if !w.alive {
		return
	}

	if event.Button == ButtonPrimary && w.item.IsAyatana() && w.opts.Whitelisted(w.sortableName) {
		w.item.SecondaryActivate(event.X, event.Y)
		return
	}

	w.item.Activate(event.Button, event.X, event.Y)
}

func (w *ItemWrapper) buttonRelease(event ButtonEvent) {
	if !w.alive {
		return
	}

	// Prefer the attached menu over asking the application for one.
	if w.menu != nil {
		return
	}

	w.item.ShowContextMenu(event.Button, event.X, event.Y)
}

func (w *ItemWrapper) scroll(event ScrollEvent) {
	if !w.alive {
		return
	}

	delta := event.Delta
	if delta < 0 {
		delta = -delta
	}

	if delta == 0 {
		delta = 1
	}

	w.item.Scroll(event.Direction.Sign()*delta, event.Direction.Orientation())
}

// Destroy disconnects from the item, removes the sink and closes the item.
// Rendered icons are deleted before it returns.
func (w *ItemWrapper) Destroy() {
	if !w.alive {
		return
	}

	w.alive = false

	w.item.Disconnect()
	w.sink.Close()
	w.item.Close()

	w.cleanup.cancel()

	for id := range 2 {
		path := w.iconPath(id)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.log.Debug("failed to remove rendered icon", "path", path, "error", err)
		}
	}
}
