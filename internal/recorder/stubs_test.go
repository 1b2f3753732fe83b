package recorder_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/annotrack/internal/clock"
	"github.com/yourorg/annotrack/internal/identity"
	"github.com/yourorg/annotrack/internal/recorder"
	"github.com/yourorg/annotrack/internal/store"
	"github.com/yourorg/annotrack/pkg/types"
)

type stubViewer struct {
	size   types.Size
	offset types.Point
	pans   []func()
}

func newStubViewer() *stubViewer {
	return &stubViewer{size: types.Size{Width: 200, Height: 100}, offset: types.Point{X: 10, Y: 20}}
}

func (v *stubViewer) Size() types.Size { return v.size }

// DisplayToGeographic doubles coordinates inside the viewport.
func (v *stubViewer) DisplayToGeographic(p types.Point) (types.Point, error) {
	if p.X < 0 || p.Y < 0 || p.X > v.size.Width || p.Y > v.size.Height {
		return types.Point{}, errors.New("outside viewport")
	}
	return types.Point{X: p.X * 2, Y: p.Y * 2}, nil
}

func (v *stubViewer) Rotation() float64 { return 0.5 }

func (v *stubViewer) Zoom() float64 { return 3 }

func (v *stubViewer) Offset() types.Point { return v.offset }

func (v *stubViewer) OnPan(fn func()) { v.pans = append(v.pans, fn) }

func (v *stubViewer) pan() {
	for _, fn := range v.pans {
		fn()
	}
}

type stubView struct {
	resource string
	viewer   recorder.Viewer
	bus      recorder.Bus[recorder.Notification]
	panels   []types.PanelBox
}

func (v *stubView) ResourceID() string { return v.resource }

func (v *stubView) Viewer() recorder.Viewer {
	if v.viewer == nil {
		return nil
	}
	return v.viewer
}

func (v *stubView) Notifications() *recorder.Bus[recorder.Notification] { return &v.bus }

func (v *stubView) Panels() []types.PanelBox { return v.panels }

type stubPage struct {
	bus recorder.Bus[recorder.Event]
}

func (p *stubPage) Events() *recorder.Bus[recorder.Event] { return &p.bus }

func (p *stubPage) HasFocus() bool { return true }

func (p *stubPage) VisibilityState() string { return "visible" }

func (p *stubPage) UserID() string { return "user-1" }

type captureSink struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (s *captureSink) Post(msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *captureSink) entries() []types.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.LogEntry
	for _, m := range s.msgs {
		out = append(out, m.Log...)
	}
	return out
}

type fixture struct {
	rec   *recorder.Recorder
	sink  *captureSink
	page  *stubPage
	kv    *store.MemoryKV
	tab   *identity.MemoryTab
	clock *clock.FakeClock
}

func newFixture(t *testing.T, mutate ...func(*recorder.Options)) *fixture {
	t.Helper()
	f := &fixture{
		sink:  &captureSink{},
		page:  &stubPage{},
		kv:    store.NewMemoryKV(),
		tab:   &identity.MemoryTab{},
		clock: clock.Fake(time.UnixMilli(1_700_000_000_000)),
	}
	opts := recorder.Options{
		Page:                f.page,
		Identity:            identity.NewProvider(f.tab, f.kv),
		Sink:                f.sink,
		Credentials:         func() (string, string) { return "http://collector/api/v1", "tok" },
		Clock:               f.clock,
		ImageSurfaceClasses: []string{"h-image-view-container", "geojs-map"},
		ScrollbarThreshold:  4,
	}
	for _, m := range mutate {
		m(&opts)
	}
	rec, err := recorder.New(opts)
	require.NoError(t, err)
	f.rec = rec
	return f
}
