package replay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yourorg/annotrack/internal/dom"
	"github.com/yourorg/annotrack/internal/recorder"
	"github.com/yourorg/annotrack/pkg/types"
)

var errOutsideViewport = errors.New("point outside viewport")

// Page is the scripted window/document.
type Page struct {
	mu         sync.Mutex
	bus        recorder.Bus[recorder.Event]
	focus      bool
	visibility string
	user       string
}

func (p *Page) Events() *recorder.Bus[recorder.Event] { return &p.bus }

func (p *Page) HasFocus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focus
}

func (p *Page) VisibilityState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibility
}

func (p *Page) UserID() string { return p.user }

func (p *Page) setFocus(focus bool) {
	p.mu.Lock()
	p.focus = focus
	p.mu.Unlock()
}

func (p *Page) setVisibility(state string) {
	p.mu.Lock()
	p.visibility = state
	p.mu.Unlock()
}

// View is the scripted image view.
type View struct {
	mu       sync.Mutex
	resource string
	viewer   *Viewer
	bus      recorder.Bus[recorder.Notification]
	panels   []types.PanelBox
}

func (v *View) ResourceID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resource
}

// Viewer returns a nil interface until a viewer is attached.
func (v *View) Viewer() recorder.Viewer {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.viewer == nil {
		return nil
	}
	return v.viewer
}

func (v *View) Notifications() *recorder.Bus[recorder.Notification] { return &v.bus }

func (v *View) Panels() []types.PanelBox { return v.panels }

// Viewer is an axis-aligned projection. Rotation is reported but not
// applied to coordinates.
type Viewer struct {
	mu     sync.Mutex
	spec   ViewerSpec
	origin types.Point
	pans   recorder.Bus[struct{}]
}

func newViewer(spec ViewerSpec) *Viewer {
	return &Viewer{spec: spec, origin: types.Point{X: spec.OriginX, Y: spec.OriginY}}
}

func (v *Viewer) Size() types.Size {
	return types.Size{Width: v.spec.Width, Height: v.spec.Height}
}

func (v *Viewer) DisplayToGeographic(p types.Point) (types.Point, error) {
	if p.X < 0 || p.Y < 0 || p.X > v.spec.Width || p.Y > v.spec.Height {
		return types.Point{}, errOutsideViewport
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return types.Point{
		X: v.origin.X + p.X/v.spec.Scale,
		Y: v.origin.Y + p.Y/v.spec.Scale,
	}, nil
}

func (v *Viewer) Rotation() float64 { return v.spec.Rotation }

func (v *Viewer) Zoom() float64 { return v.spec.Zoom }

func (v *Viewer) Offset() types.Point { return types.Point{X: v.spec.Left, Y: v.spec.Top} }

func (v *Viewer) OnPan(fn func()) {
	v.pans.Subscribe(fmt.Sprintf("pan-%d", v.pans.Len()), func(struct{}) { fn() })
}

// Pan moves the content by (dx, dy) display pixels and notifies.
func (v *Viewer) Pan(dx, dy float64) {
	v.mu.Lock()
	v.origin.X -= dx / v.spec.Scale
	v.origin.Y -= dy / v.spec.Scale
	v.mu.Unlock()
	v.pans.Publish(struct{}{})
}

// Host is the scripted page, view and document built from a Script.
type Host struct {
	Page *Page
	View *View
	Root *dom.Node

	refs    map[string]*dom.Node
	pending *Viewer
}

// NewHost builds the host described by s.
func NewHost(s *Script) (*Host, error) {
	h := &Host{
		Page: &Page{focus: true, visibility: "visible", user: s.User},
		View: &View{resource: s.Resource, panels: s.Panels},
	}
	if s.DOM.Tag != "" {
		root, refs, err := dom.Build(s.DOM)
		if err != nil {
			return nil, err
		}
		h.Root, h.refs = root, refs
	} else {
		h.Root, _ = dom.NewDocument()
		h.refs = map[string]*dom.Node{}
	}
	if s.Viewer != nil {
		vw := newViewer(*s.Viewer)
		if s.Viewer.Lazy {
			h.pending = vw
		} else {
			h.View.viewer = vw
		}
	}
	return h, nil
}

func (h *Host) node(ref string) (*dom.Node, error) {
	n, ok := h.refs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown node ref %q", ref)
	}
	return n, nil
}

// openResource switches the view to id and attaches a lazy viewer.
func (h *Host) openResource(id string) {
	h.View.mu.Lock()
	if id != "" {
		h.View.resource = id
	}
	if h.View.viewer == nil && h.pending != nil {
		h.View.viewer = h.pending
		h.pending = nil
	}
	id = h.View.resource
	h.View.mu.Unlock()
	h.View.bus.Publish(recorder.Notification{Name: recorder.NotifyResourceOpened, ResourceID: id})
}

func (h *Host) viewer() *Viewer {
	h.View.mu.Lock()
	defer h.View.mu.Unlock()
	return h.View.viewer
}
