package recorder

import "github.com/yourorg/annotrack/pkg/types"

// Element is a node of the host document. Parent returns nil for the
// document root and for the top of a detached subtree.
type Element interface {
	TagName() string
	ID() string
	Classes() []string
	Parent() Element
	Children() []Element
}

// Viewer is the image viewer capability. Implementations must be
// comparable (pointer types), since the recorder binds each viewer once.
type Viewer interface {
	Size() types.Size
	DisplayToGeographic(p types.Point) (types.Point, error)
	Rotation() float64
	Zoom() float64
	// Offset is the viewer node's position on the page.
	Offset() types.Point
	OnPan(fn func())
}

// View is the host view the recorder is bound to. Viewer returns nil
// until the host has created one.
type View interface {
	ResourceID() string
	Viewer() Viewer
	Notifications() *Bus[Notification]
	Panels() []types.PanelBox
}

// Page is the window/document surface.
type Page interface {
	Events() *Bus[Event]
	HasFocus() bool
	VisibilityState() string
	UserID() string
}

// Host notification names.
const (
	NotifyResourceOpened    = "resourceOpened"
	NotifyAnnotationCreated = "annotationCreated"
	NotifyAnnotationUpdated = "annotationUpdated"
	NotifyAnnotationRemoved = "annotationRemoved"
)

// Notification is an application-level event published by the view.
type Notification struct {
	Name       string
	ResourceID string
	Properties map[string]any
}

// Page event types the recorder listens for.
const (
	EventFocus            = "focus"
	EventBlur             = "blur"
	EventVisibilityChange = "visibilitychange"
	EventMouseMove        = "mousemove"
	EventMouseDown        = "mousedown"
	EventMouseUp          = "mouseup"
	EventClick            = "click"
	EventKeyDown          = "keydown"
	EventKeyUp            = "keyup"
)

// Event is a raw interaction event from the page.
type Event struct {
	Type    string
	Target  Element
	ClientX float64
	ClientY float64
	PageX   float64
	PageY   float64
	OffsetX float64
	OffsetY float64
	types.InputState
}

// Sink receives messages for delivery. Post must not block.
type Sink interface {
	Post(msg types.Message)
}

// CredentialsFunc supplies the current API root and auth token.
type CredentialsFunc func() (api, token string)
