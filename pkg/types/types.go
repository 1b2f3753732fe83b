package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Activity kinds used by the recorder.
const (
	ActivitySession      = "session"
	ActivityStartSession = "startSession"
	ActivityStopSession  = "stopSession"
	ActivityAnnotation   = "annotation"
)

// Collector endpoint details shared by the shipper and the server.
const (
	// LogPath is appended to the API root.
	LogPath = "/annotation_tracker/log"
	// TokenHeader carries the auth token.
	TokenHeader = "Girder-Token"
)

// Point is a 2D coordinate in either display or image space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// VisibleArea holds the image coordinates of the four viewport corners.
type VisibleArea struct {
	TL Point `json:"tl"`
	TR Point `json:"tr"`
	BL Point `json:"bl"`
	BR Point `json:"br"`
}

// ImagePosition is the on-screen placement of the viewer node.
type ImagePosition struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
}

// PanelBox is a side panel as reported by the host view.
// ClientWidth is the width of the panel's content box; the
// difference to Width is the space taken by a vertical scrollbar.
type PanelBox struct {
	Title       string  `json:"title"`
	Left        float64 `json:"left"`
	Top         float64 `json:"top"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	ClientWidth float64 `json:"client_width"`
	Visible     bool    `json:"visible"`
}

// Panel is one rectangle of the panel layout snapshot.
type Panel struct {
	Title  string       `json:"title"`
	Kind   string       `json:"kind,omitempty"`
	Left   float64      `json:"left"`
	Top    float64      `json:"top"`
	Width  float64      `json:"width"`
	Height float64      `json:"height"`
	Area   *VisibleArea `json:"area,omitempty"`
}

// InputState carries the pointer and keyboard attributes of an
// interaction event. Zero values are omitted on the wire, so only
// non-default attributes are recorded.
type InputState struct {
	AltKey   bool   `json:"altKey,omitempty"`
	CtrlKey  bool   `json:"ctrlKey,omitempty"`
	MetaKey  bool   `json:"metaKey,omitempty"`
	ShiftKey bool   `json:"shiftKey,omitempty"`
	Button   int    `json:"button,omitempty"`
	Buttons  int    `json:"buttons,omitempty"`
	Char     string `json:"char,omitempty"`
	CharCode int    `json:"charCode,omitempty"`
	Key      string `json:"key,omitempty"`
	KeyCode  int    `json:"keyCode,omitempty"`
	Which    int    `json:"which,omitempty"`
}

// LogEntry is one observed fact queued for delivery. Properties are
// merged onto the top level of the encoded object; they never replace
// the envelope keys.
type LogEntry struct {
	Session    string  `json:"session" validate:"required"`
	SequenceID int64   `json:"sequenceId" validate:"gte=0"`
	EpochMS    float64 `json:"epochms"`
	Activity   string  `json:"activity" validate:"required"`

	Subactivity     string         `json:"subactivity,omitempty"`
	CurrentImage    string         `json:"currentImage,omitempty"`
	UserID          string         `json:"userId,omitempty"`
	HasFocus        *bool          `json:"hasFocus,omitempty"`
	VisibilityState string         `json:"visibilityState,omitempty"`
	VisibleArea     *VisibleArea   `json:"visibleArea,omitempty"`
	ImagePosition   *ImagePosition `json:"imagePosition,omitempty"`
	Rotation        *float64       `json:"rotation,omitempty"`
	Zoom            *float64       `json:"zoom,omitempty"`
	Panels          []Panel        `json:"panels,omitempty"`

	Target string `json:"target,omitempty"`
	Mouse  *Point `json:"mouse,omitempty"`
	Page   *Point `json:"page,omitempty"`
	Offset *Point `json:"offset,omitempty"`
	Image  *Point `json:"image,omitempty"`
	InputState

	Properties map[string]any `json:"-"`
}

// envelopeKeys are the top-level keys owned by LogEntry fields.
var envelopeKeys = map[string]struct{}{
	"session": {}, "sequenceId": {}, "epochms": {}, "activity": {},
	"subactivity": {}, "currentImage": {}, "userId": {}, "hasFocus": {},
	"visibilityState": {}, "visibleArea": {}, "imagePosition": {},
	"rotation": {}, "zoom": {}, "panels": {}, "target": {}, "mouse": {},
	"page": {}, "offset": {}, "image": {}, "altKey": {}, "ctrlKey": {},
	"metaKey": {}, "shiftKey": {}, "button": {}, "buttons": {}, "char": {},
	"charCode": {}, "key": {}, "keyCode": {}, "which": {},
}

// IsEnvelopeKey reports whether key is a reserved LogEntry field name.
func IsEnvelopeKey(key string) bool {
	_, ok := envelopeKeys[key]
	return ok
}

type logEntryAlias LogEntry

func (e LogEntry) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(logEntryAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Properties) == 0 {
		return data, nil
	}
	keys := make([]string, 0, len(e.Properties))
	for k := range e.Properties {
		if IsEnvelopeKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(jsonSafe(e.Properties[k]))
		if err != nil {
			return nil, fmt.Errorf("encode property %q: %w", k, err)
		}
		if k == "" {
			// sjson has no path for the empty key.
			data = append(append(data[:len(data)-1], `,"":`...), raw...)
			data = append(data, '}')
			continue
		}
		data, err = sjson.SetRawBytes(data, escapePath(k), raw)
		if err != nil {
			return nil, fmt.Errorf("merge property %q: %w", k, err)
		}
	}
	return data, nil
}

// jsonSafe returns v with non-finite floats replaced by nil, copying
// any map or slice it has to change.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
	case float32:
		if f := float64(t); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonSafe(item)
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonSafe(item)
		}
		return out
	}
	return v
}

func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var alias logEntryAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*e = LogEntry(alias)
	e.Properties = nil
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		if IsEnvelopeKey(key.String()) {
			return true
		}
		if e.Properties == nil {
			e.Properties = make(map[string]any)
		}
		e.Properties[key.String()] = value.Value()
		return true
	})
	return nil
}

// escapePath escapes sjson path metacharacters so a property name is
// always treated as a single key.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Message is what the recorder posts to the shipper. API and Token are
// optional per message; Log is appended verbatim.
type Message struct {
	API   string     `json:"api,omitempty"`
	Token string     `json:"token,omitempty"`
	Log   []LogEntry `json:"log"`
}

// Ack is the collector's acknowledgment: session id to the sorted
// sequence ids it holds from the batch.
type Ack map[string][]int64
