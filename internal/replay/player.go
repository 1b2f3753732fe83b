package replay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/annotrack/internal/clock"
	"github.com/yourorg/annotrack/internal/recorder"
)

// Player feeds a script's steps into a Recorder bound to a Host. The
// recorder must use clk so entries carry the scripted timestamps.
type Player struct {
	script *Script
	host   *Host
	rec    *recorder.Recorder
	clock  *clock.FakeClock
	logger *zap.Logger
}

func NewPlayer(s *Script, h *Host, rec *recorder.Recorder, clk *clock.FakeClock, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{script: s, host: h, rec: rec, clock: clk, logger: logger}
}

// Play binds the recorder to the host view and applies every step in
// order. It stops at the first failing step.
func (p *Player) Play(ctx context.Context) error {
	start := time.UnixMilli(p.script.StartMS)
	p.clock.Set(start)
	p.rec.Start(p.host.View)

	for i, st := range p.script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.clock.Set(start.Add(time.Duration(st.AtMS) * time.Millisecond))
		if err := p.apply(st); err != nil {
			return fmt.Errorf("step %d (%s at %dms): %w", i, st.Kind, st.AtMS, err)
		}
		p.logger.Debug("replayed step",
			zap.Int("index", i),
			zap.String("kind", st.Kind),
			zap.Int64("sequence_id", p.rec.SequenceID()))
	}
	return nil
}

func (p *Player) apply(st Step) error {
	h := p.host
	switch st.Kind {
	case StepStartSession:
		return p.rec.StartSession(st.Properties)
	case StepStopSession:
		return p.rec.StopSession(st.Properties)
	case StepOpenResource:
		h.openResource(st.Resource)
	case StepPan:
		v := h.viewer()
		if v == nil {
			return fmt.Errorf("pan before a viewer exists")
		}
		v.Pan(st.DX, st.DY)
	case StepEvent:
		ev, err := p.event(st)
		if err != nil {
			return err
		}
		if st.Activity != "" {
			return p.rec.EventTarget(ev, st.Activity, st.Properties)
		}
		h.Page.Events().Publish(ev)
	case StepFocus:
		h.Page.setFocus(true)
		h.Page.Events().Publish(recorder.Event{Type: recorder.EventFocus})
	case StepBlur:
		h.Page.setFocus(false)
		h.Page.Events().Publish(recorder.Event{Type: recorder.EventBlur})
	case StepVisibility:
		h.Page.setVisibility(st.State)
		h.Page.Events().Publish(recorder.Event{Type: recorder.EventVisibilityChange})
	case StepAnnotation:
		h.View.Notifications().Publish(recorder.Notification{
			Name:       st.Name,
			ResourceID: h.View.ResourceID(),
			Properties: st.Properties,
		})
	case StepLog:
		return p.rec.Log(st.Activity, st.Properties)
	case StepDetach:
		n, err := h.node(st.Target)
		if err != nil {
			return err
		}
		n.Detach()
	}
	return nil
}

// event builds a page event at (X, Y) relative to the viewer node.
func (p *Player) event(st Step) (recorder.Event, error) {
	ev := recorder.Event{
		Type:       st.Event,
		OffsetX:    st.X,
		OffsetY:    st.Y,
		InputState: st.InputState,
	}
	if st.Target != "" {
		n, err := p.host.node(st.Target)
		if err != nil {
			return ev, err
		}
		ev.Target = n
	}
	var left, top float64
	if p.script.Viewer != nil {
		left, top = p.script.Viewer.Left, p.script.Viewer.Top
	}
	ev.ClientX, ev.ClientY = left+st.X, top+st.Y
	ev.PageX, ev.PageY = ev.ClientX, ev.ClientY
	return ev, nil
}
