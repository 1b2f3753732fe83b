// Package replay plays a recorded interaction script through a real
// Recorder and Shipper, standing in for the browser host.
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/yourorg/annotrack/internal/dom"
	"github.com/yourorg/annotrack/pkg/types"
)

// Step kinds.
const (
	StepStartSession = "start_session"
	StepStopSession  = "stop_session"
	StepOpenResource = "open_resource"
	StepPan          = "pan"
	StepEvent        = "event"
	StepFocus        = "focus"
	StepBlur         = "blur"
	StepVisibility   = "visibility"
	StepAnnotation   = "annotation"
	StepLog          = "log"
	StepDetach       = "detach"
)

var stepKinds = map[string]struct{}{
	StepStartSession: {}, StepStopSession: {}, StepOpenResource: {}, StepPan: {},
	StepEvent: {}, StepFocus: {}, StepBlur: {}, StepVisibility: {},
	StepAnnotation: {}, StepLog: {}, StepDetach: {},
}

type Script struct {
	Resource string           `json:"resource"`
	User     string           `json:"user"`
	StartMS  int64            `json:"start_ms"`
	Viewer   *ViewerSpec      `json:"viewer"`
	DOM      dom.Spec         `json:"dom"`
	Panels   []types.PanelBox `json:"panels"`
	Steps    []Step           `json:"steps"`
}

// ViewerSpec describes the scripted viewer: geographic = origin +
// display / scale. With Lazy set the viewer only appears at the first
// open_resource step.
type ViewerSpec struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Left     float64 `json:"left"`
	Top      float64 `json:"top"`
	Scale    float64 `json:"scale"`
	OriginX  float64 `json:"origin_x"`
	OriginY  float64 `json:"origin_y"`
	Rotation float64 `json:"rotation"`
	Zoom     float64 `json:"zoom"`
	Lazy     bool    `json:"lazy"`
}

type Step struct {
	AtMS int64  `json:"at_ms"`
	Kind string `json:"kind"`

	// Activity names the entry for log steps and overrides the event
	// type for event steps.
	Activity string `json:"activity,omitempty"`
	// Event is the page event type of an event step.
	Event string `json:"event,omitempty"`
	// Target is a DOM node ref.
	Target string  `json:"target,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DX     float64 `json:"dx,omitempty"`
	DY     float64 `json:"dy,omitempty"`
	// Resource is the id opened by an open_resource step.
	Resource string `json:"resource,omitempty"`
	// State is the visibility state of a visibility step.
	State string `json:"state,omitempty"`
	// Name is the notification of an annotation step.
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	types.InputState
}

// Parse reads and checks a script file.
func Parse(filePath string) (*Script, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// ParseBytes decodes a script, checks every step and orders steps by
// time, keeping file order for steps at the same time.
func ParseBytes(data []byte) (*Script, error) {
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if s.Viewer != nil && s.Viewer.Scale == 0 {
		s.Viewer.Scale = 1
	}
	if s.Viewer != nil && (s.Viewer.Width <= 0 || s.Viewer.Height <= 0) {
		return nil, fmt.Errorf("viewer size must be positive")
	}
	for i, st := range s.Steps {
		if err := checkStep(st); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	sort.SliceStable(s.Steps, func(i, j int) bool {
		return s.Steps[i].AtMS < s.Steps[j].AtMS
	})
	return &s, nil
}

func checkStep(st Step) error {
	if _, ok := stepKinds[st.Kind]; !ok {
		return fmt.Errorf("unknown kind %q", st.Kind)
	}
	if st.AtMS < 0 {
		return fmt.Errorf("at_ms cannot be negative")
	}
	switch st.Kind {
	case StepEvent:
		if strings.TrimSpace(st.Event) == "" {
			return fmt.Errorf("event step needs an event type")
		}
	case StepLog:
		if strings.TrimSpace(st.Activity) == "" {
			return fmt.Errorf("log step needs an activity")
		}
	case StepDetach:
		if st.Target == "" {
			return fmt.Errorf("detach step needs a target")
		}
	case StepAnnotation:
		if st.Name == "" {
			return fmt.Errorf("annotation step needs a name")
		}
	}
	return nil
}
