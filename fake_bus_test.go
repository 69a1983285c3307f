package systray

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

var errNoReply = dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply", Body: []any{"timeout"}}

type fakeCall struct {
	Method string
	Flags  dbus.Flags
	Args   []any
}

// fakeObject is a remote object with a fixed set of properties.
type fakeObject struct {
	dbus.BusObject

	mu      sync.Mutex
	dest    string
	path    dbus.ObjectPath
	props   map[string]any
	propErr map[string]error
	methods map[string]func(args []any) ([]any, error)
	calls   []fakeCall

	// unreachable makes every call fail with errNoReply.
	unreachable bool
}

func newFakeObject(dest string, path dbus.ObjectPath) *fakeObject {
	return &fakeObject{
		dest:    dest,
		path:    path,
		props:   make(map[string]any),
		propErr: make(map[string]error),
		methods: make(map[string]func(args []any) ([]any, error)),
	}
}

func (o *fakeObject) setProp(name string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.props[name] = value
}

func (o *fakeObject) setPropErr(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.propErr[name] = err
}

func (o *fakeObject) setMethod(method string, fn func(args []any) ([]any, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.methods[method] = fn
}

func (o *fakeObject) setUnreachable(unreachable bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.unreachable = unreachable
}

// callsTo returns the calls of method, ignoring property reads.
func (o *fakeObject) callsTo(method string) []fakeCall {
	o.mu.Lock()
	defer o.mu.Unlock()

	var calls []fakeCall
	for _, c := range o.calls {
		if c.Method == method {
			calls = append(calls, c)
		}
	}

	return calls
}

func (o *fakeObject) Destination() string   { return o.dest }
func (o *fakeObject) Path() dbus.ObjectPath { return o.path }

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...any) *dbus.Call {
	return o.CallWithContext(context.Background(), method, flags, args...)
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls = append(o.calls, fakeCall{Method: method, Flags: flags, Args: args})

	if o.unreachable {
		return &dbus.Call{Err: errNoReply}
	}

	if method == getProperty {
		name, _ := args[1].(string)

		if err, ok := o.propErr[name]; ok {
			return &dbus.Call{Err: err}
		}

		value, ok := o.props[name]
		if !ok {
			return &dbus.Call{Err: dbus.Error{
				Name: errUnknownProperty,
				Body: []any{fmt.Sprintf("no such property %q", name)},
			}}
		}

		return &dbus.Call{Body: []any{dbus.MakeVariant(value)}}
	}

	if fn, ok := o.methods[method]; ok {
		body, err := fn(args)
		return &dbus.Call{Body: body, Err: err}
	}

	return &dbus.Call{}
}

func (o *fakeObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...any) *dbus.Call {
	return o.CallWithContext(context.Background(), method, flags, args...)
}

type fakeEmitted struct {
	Path dbus.ObjectPath
	Name string
	Body []any
}

// fakeProps records properties exported with ExportProperties.
type fakeProps struct {
	mu     sync.Mutex
	props  prop.Map
	values map[string]any
}

func (p *fakeProps) SetMust(iface, property string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[iface+"."+property] = v
}

func (p *fakeProps) get(iface, property string) any {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.values[iface+"."+property]
}

// write simulates a remote Properties.Set.
func (p *fakeProps) write(iface, property string, v any) *dbus.Error {
	p.mu.Lock()
	entry := p.props[iface][property]
	p.mu.Unlock()

	if entry == nil || !entry.Writable {
		return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", nil)
	}

	if entry.Callback != nil {
		if err := entry.Callback(&prop.Change{Iface: iface, Name: property, Value: v}); err != nil {
			return err
		}
	}

	p.SetMust(iface, property, v)

	return nil
}

// fakeBus is an in-memory session bus.
type fakeBus struct {
	mu           sync.Mutex
	objects      map[string]*fakeObject
	owners       map[string]string
	pids         map[string]uint32
	names        []string
	listNamesErr error
	addMatchErr  error
	requestReply map[string]dbus.RequestNameReply
	owned        map[string]bool
	exported     map[string]any
	props        map[dbus.ObjectPath]*fakeProps
	emitted      []fakeEmitted
	signals      []chan<- *dbus.Signal
	matches      int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		objects:      make(map[string]*fakeObject),
		owners:       make(map[string]string),
		pids:         make(map[string]uint32),
		requestReply: make(map[string]dbus.RequestNameReply),
		owned:        make(map[string]bool),
		exported:     make(map[string]any),
		props:        make(map[dbus.ObjectPath]*fakeProps),
	}
}

// addItem puts an item owned by uniqueName under busName at path on the
// bus and returns its object.
func (b *fakeBus) addItem(busName, uniqueName string, path dbus.ObjectPath) *fakeObject {
	b.mu.Lock()
	defer b.mu.Unlock()

	if busName != uniqueName {
		b.owners[busName] = uniqueName
		b.names = append(b.names, busName)
	}
	b.names = append(b.names, uniqueName)

	obj := newFakeObject(busName, path)
	b.objects[busName+string(path)] = obj

	return obj
}

func (b *fakeBus) addName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.names = append(b.names, name)
}

func (b *fakeBus) removeName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.names = slices.DeleteFunc(b.names, func(n string) bool { return n == name })
	delete(b.owners, name)
}

// send delivers signal to every registered channel.
func (b *fakeBus) send(signal *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.signals {
		ch <- signal
	}
}

// disconnect closes every registered signal channel and forgets them, the
// way a *dbus.Conn does when the connection is lost.
func (b *fakeBus) disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.signals {
		close(ch)
	}
	b.signals = nil
}

func (b *fakeBus) nameOwnerChanged(name, oldOwner, newOwner string) {
	b.send(&dbus.Signal{
		Sender: fdoDBusName,
		Path:   fdoDBusPath,
		Name:   nameOwnerChanged,
		Body:   []any{name, oldOwner, newOwner},
	})
}

func (b *fakeBus) emittedNamed(name string) []fakeEmitted {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []fakeEmitted
	for _, e := range b.emitted {
		if e.Name == name {
			out = append(out, e)
		}
	}

	return out
}

func (b *fakeBus) isExported(path dbus.ObjectPath, iface string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.exported[string(path)+"#"+iface]
	return ok
}

func (b *fakeBus) isOwned(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.owned[name]
}

func (b *fakeBus) propsAt(path dbus.ObjectPath) *fakeProps {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.props[path]
}

func (b *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[dest+string(path)]
	if !ok {
		obj = newFakeObject(dest, path)
		b.objects[dest+string(path)] = obj
	}

	return obj
}

func (b *fakeBus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.addMatchErr != nil {
		return b.addMatchErr
	}

	b.matches++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.matches--
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.signals = append(b.signals, ch)
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.signals = slices.DeleteFunc(b.signals, func(c chan<- *dbus.Signal) bool { return c == ch })
}

func (b *fakeBus) Emit(path dbus.ObjectPath, name string, values ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emitted = append(b.emitted, fakeEmitted{Path: path, Name: name, Body: values})
	return nil
}

func (b *fakeBus) Export(v any, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := string(path) + "#" + iface
	if v == nil {
		delete(b.exported, key)
		if iface == fdoPropertiesIfc {
			delete(b.props, path)
		}
		return nil
	}

	b.exported[key] = v
	return nil
}

func (b *fakeBus) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reply, ok := b.requestReply[name]; ok {
		return reply, nil
	}

	b.owned[name] = true
	return dbus.RequestNameReplyPrimaryOwner, nil
}

func (b *fakeBus) ReleaseName(name string) (dbus.ReleaseNameReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.owned[name] {
		return dbus.ReleaseNameReplyNotOwner, nil
	}

	delete(b.owned, name)
	return dbus.ReleaseNameReplyReleased, nil
}

func (b *fakeBus) ExportProperties(path dbus.ObjectPath, props prop.Map) (PropertySetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &fakeProps{props: props, values: make(map[string]any)}
	for iface, m := range props {
		for name, entry := range m {
			p.values[iface+"."+name] = entry.Value
		}
	}

	b.props[path] = p
	b.exported[string(path)+"#"+fdoPropertiesIfc] = p

	return p, nil
}

func (b *fakeBus) ListNames() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listNamesErr != nil {
		return nil, b.listNamesErr
	}

	return slices.Clone(b.names), nil
}

func (b *fakeBus) NameOwner(name string) (string, error) {
	if strings.HasPrefix(name, ":") {
		return name, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	owner, ok := b.owners[name]
	if !ok {
		return "", dbus.Error{Name: "org.freedesktop.DBus.Error.NameHasNoOwner", Body: []any{name}}
	}

	return owner, nil
}

func (b *fakeBus) ProcessID(name string) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pid, ok := b.pids[name]
	if !ok {
		return 0, errors.New("no such process")
	}

	return pid, nil
}

// runLoop starts a loop that is stopped when the test ends.
func runLoop(t *testing.T) *Loop {
	t.Helper()

	loop := NewLoop()
	go loop.Run(context.Background())

	t.Cleanup(func() {
		loop.Stop()
		<-loop.Done()
	})

	return loop
}

// onLoop runs fn on loop and waits for it.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()

	if err := loop.Call(fn); err != nil {
		t.Fatalf("Loop.Call() error = %v", err)
	}
}

// eventually polls cond on loop until it holds or a deadline passes.
func eventually(t *testing.T, loop *Loop, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		var ok bool
		onLoop(t, loop, func() { ok = cond() })

		if ok {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

// itemSignal builds a signal sent by an item.
func itemSignal(sender string, path dbus.ObjectPath, member string, body ...any) *dbus.Signal {
	return &dbus.Signal{
		Sender: sender,
		Path:   path,
		Name:   StatusNotifierItemInterface + "." + member,
		Body:   body,
	}
}

// argbPixmap returns a pixmap of the given size filled with one ARGB color.
func argbPixmap(width, height int32, a, r, g, b byte) []any {
	data := make([]byte, 0, width*height*4)
	for range width * height {
		data = append(data, a, r, g, b)
	}

	return []any{width, height, data}
}
