// Package recorder turns host interaction and viewport state into
// ordered LogEntry records and posts them to a Sink.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yourorg/annotrack/internal/clock"
	"github.com/yourorg/annotrack/internal/filter"
	"github.com/yourorg/annotrack/internal/identity"
	"github.com/yourorg/annotrack/pkg/types"
)

// ErrNotBound is returned by Session, EventTarget and StartSession
// when Start has not bound a view yet.
var ErrNotBound = errors.New("recorder: no view bound")

// ErrUnencodable is returned when an entry's property bag cannot be
// encoded as JSON. Nothing is posted and no sequence id is used.
var ErrUnencodable = errors.New("recorder: entry cannot be encoded")

// Session subactivities emitted by the recorder itself.
const (
	ReasonFocus       = "focus"
	ReasonBlur        = "blur"
	ReasonVisibility  = "visibilityState"
	ReasonImageOpened = "imageOpened"
	ReasonPan         = "pan"
)

const (
	pageListenerKey = "annotation_tracker.page"
	viewListenerKey = "annotation_tracker.view"

	panelKindScrollbar = "scrollbar"
)

// Options configures a Recorder. Identity and Sink are required.
type Options struct {
	Page        Page
	Identity    *identity.Provider
	Sink        Sink
	Credentials CredentialsFunc
	Clock       clock.Clock
	Logger      *zap.Logger
	Rules       *filter.Rules
	Debug       DebugLevel

	// ImageSurfaceClasses must all be present on an ancestor-or-self of
	// an event target for the pointer to be projected into the image.
	ImageSurfaceClasses []string
	// ScrollbarThreshold is the minimum uncovered width, in pixels, for
	// a panel's scrollbar gap to be reported.
	ScrollbarThreshold float64
}

// Recorder is safe for concurrent use. Emission is serialized so the
// order entries reach the Sink matches their sequence ids.
type Recorder struct {
	page      Page
	identity  *identity.Provider
	sink      Sink
	creds     CredentialsFunc
	clock     clock.Clock
	logger    *zap.Logger
	rules     *filter.Rules
	surface   []string
	scrollbar float64

	mu        sync.Mutex
	view      View
	viewer    Viewer
	watched   map[Viewer]struct{}
	started   bool
	sessionID string
	seq       int64
	running   bool
	debug     *debugState
}

// New recovers the tab's session and its persisted sequence counter.
func New(opts Options) (*Recorder, error) {
	if opts.Identity == nil {
		return nil, errors.New("recorder: identity provider is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("recorder: sink is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Recorder{
		page:      opts.Page,
		identity:  opts.Identity,
		sink:      opts.Sink,
		creds:     opts.Credentials,
		clock:     opts.Clock,
		logger:    opts.Logger,
		rules:     opts.Rules,
		surface:   opts.ImageSurfaceClasses,
		scrollbar: opts.ScrollbarThreshold,
		watched:   make(map[Viewer]struct{}),
		debug:     newDebugState(opts.Debug),
	}

	id, err := opts.Identity.SessionID()
	if err != nil {
		return nil, err
	}
	r.sessionID = id
	seq, err := opts.Identity.Sequence(r.sessionID)
	if err != nil {
		return nil, err
	}
	running, err := opts.Identity.Running(r.sessionID)
	if err != nil {
		return nil, err
	}
	r.seq = seq
	r.running = running
	return r, nil
}

// Start binds the recorder to view. Calling it again with the same view
// does nothing; a different view replaces the binding and drops the
// previous view's listener. Page listeners are installed on the first
// call only.
func (r *Recorder) Start(view View) {
	if view == nil {
		return
	}
	r.mu.Lock()
	if r.view == view {
		r.mu.Unlock()
		return
	}
	prev := r.view
	r.view = view
	r.viewer = nil
	first := !r.started
	r.started = true
	toWatch := r.bindViewerLocked()
	r.mu.Unlock()

	if prev != nil {
		prev.Notifications().Unsubscribe(r.listenerKey(viewListenerKey))
	}
	view.Notifications().Subscribe(r.listenerKey(viewListenerKey), func(n Notification) {
		r.handleNotification(view, n)
	})
	if first && r.page != nil {
		r.page.Events().Subscribe(r.listenerKey(pageListenerKey), r.handlePageEvent)
	}
	r.watchPan(toWatch)

	r.logger.Debug("recorder bound",
		zap.String("resource", view.ResourceID()),
		zap.String("session", r.SessionID()))
}

// StartSession begins a new session: fresh id, counter reset to zero,
// running set. It emits a plain startSession log and a startSession
// session entry.
func (r *Recorder) StartSession(props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view == nil {
		return ErrNotBound
	}

	id, rotateErr := r.identity.Rotate()
	r.sessionID = id
	r.seq = 0
	r.running = true
	errs := []error{rotateErr}
	if err := r.identity.SaveSequence(r.sessionID, 0); err != nil {
		errs = append(errs, err)
	}
	if err := r.identity.SaveRunning(r.sessionID, true); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("session started", zap.String("session", r.sessionID))

	errs = append(errs,
		r.emitLocked(r.newEntryLocked(types.ActivityStartSession, "", props)),
		r.sessionLocked(types.ActivityStartSession, props),
	)
	return errors.Join(errs...)
}

// StopSession emits a stopSession session entry and clears running.
// It does nothing when no session is running.
func (r *Recorder) StopSession(props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	err := r.sessionLocked(types.ActivityStopSession, props)
	r.running = false
	if perr := r.identity.SaveRunning(r.sessionID, false); perr != nil {
		err = errors.Join(err, perr)
	}
	r.logger.Info("session stopped", zap.String("session", r.sessionID))
	return err
}

// Session emits a session entry with subactivity reason, enriched with
// viewport geometry and the panel layout.
func (r *Recorder) Session(reason string, props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionLocked(reason, props)
}

// EventTarget emits an entry describing an interaction event.
func (r *Recorder) EventTarget(ev Event, activity string, props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventTargetLocked(ev, activity, props)
}

// Log emits a plain entry with no viewport enrichment. It does not
// need a bound view.
func (r *Recorder) Log(activity string, props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitLocked(r.newEntryLocked(activity, "", props))
}

// Debug changes console introspection of emitted entries.
func (r *Recorder) Debug(level DebugLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debug = newDebugState(level)
}

func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// SequenceID returns the id of the last emitted entry.
func (r *Recorder) SequenceID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Recorder) listenerKey(base string) string {
	return fmt.Sprintf("%s@%p", base, r)
}

// bindViewerLocked picks up the view's viewer and returns it when its
// pan notifications still need a subscription.
func (r *Recorder) bindViewerLocked() Viewer {
	if r.view == nil {
		return nil
	}
	v := r.view.Viewer()
	if v == nil {
		return nil
	}
	r.viewer = v
	if _, ok := r.watched[v]; ok {
		return nil
	}
	r.watched[v] = struct{}{}
	return v
}

func (r *Recorder) watchPan(v Viewer) {
	if v == nil {
		return
	}
	v.OnPan(func() { r.handlePan(v) })
}

func (r *Recorder) handlePan(v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.viewer != v {
		return
	}
	r.report(r.sessionLocked(ReasonPan, nil), ReasonPan)
}

func (r *Recorder) handleNotification(view View, n Notification) {
	r.mu.Lock()
	if r.view != view {
		r.mu.Unlock()
		return
	}
	var toWatch Viewer
	switch n.Name {
	case NotifyResourceOpened:
		toWatch = r.bindViewerLocked()
		if r.running {
			props := map[string]any{}
			if n.ResourceID != "" {
				props["resourceId"] = n.ResourceID
			}
			r.report(r.sessionLocked(ReasonImageOpened, props), ReasonImageOpened)
		}
	case NotifyAnnotationCreated, NotifyAnnotationUpdated, NotifyAnnotationRemoved:
		if r.running {
			e := r.newEntryLocked(types.ActivityAnnotation, n.Name, n.Properties)
			e.CurrentImage = view.ResourceID()
			r.report(r.emitLocked(e), n.Name)
		}
	}
	r.mu.Unlock()
	r.watchPan(toWatch)
}

func (r *Recorder) handlePageEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	switch ev.Type {
	case EventFocus:
		r.report(r.sessionLocked(ReasonFocus, nil), ev.Type)
	case EventBlur:
		r.report(r.sessionLocked(ReasonBlur, nil), ev.Type)
	case EventVisibilityChange:
		r.report(r.sessionLocked(ReasonVisibility, nil), ev.Type)
	default:
		r.report(r.eventTargetLocked(ev, ev.Type, nil), ev.Type)
	}
}

func (r *Recorder) report(err error, what string) {
	if err != nil {
		r.logger.Warn("record activity", zap.String("activity", what), zap.Error(err))
	}
}

func (r *Recorder) sessionLocked(reason string, props map[string]any) error {
	if r.view == nil {
		return ErrNotBound
	}
	if !r.rules.Allows(types.ActivitySession, reason) {
		return nil
	}
	e := r.newEntryLocked(types.ActivitySession, reason, props)
	e.CurrentImage = r.view.ResourceID()
	if r.page != nil {
		focus := r.page.HasFocus()
		e.HasFocus = &focus
		e.VisibilityState = r.page.VisibilityState()
		e.UserID = r.page.UserID()
	}
	if r.viewer != nil {
		r.addGeometry(&e, r.viewer)
	}
	e.Panels = r.panelSnapshotLocked()
	return r.emitLocked(e)
}

func (r *Recorder) eventTargetLocked(ev Event, activity string, props map[string]any) error {
	if r.view == nil {
		return ErrNotBound
	}
	if activity == "" {
		activity = ev.Type
	}
	if !r.rules.Allows(activity, "") {
		return nil
	}
	e := r.newEntryLocked(activity, "", props)
	e.Target = Selector(ev.Target)
	e.Mouse = &types.Point{X: ev.ClientX, Y: ev.ClientY}
	e.Page = &types.Point{X: ev.PageX, Y: ev.PageY}
	offset := types.Point{X: ev.OffsetX, Y: ev.OffsetY}
	e.Offset = &offset
	e.InputState = ev.InputState

	if r.viewer != nil && ev.Target != nil && closestWithClasses(ev.Target, r.surface) != nil {
		if geo, err := r.viewer.DisplayToGeographic(offset); err == nil {
			e.Image = &geo
		}
	}
	return r.emitLocked(e)
}

// newEntryLocked fills the envelope except the sequence id, which is
// assigned on emission.
func (r *Recorder) newEntryLocked(activity, subactivity string, props map[string]any) types.LogEntry {
	return types.LogEntry{
		Session:     r.sessionID,
		EpochMS:     float64(r.clock.Now().UnixMilli()),
		Activity:    activity,
		Subactivity: subactivity,
		Properties:  r.rules.Redact(props),
	}
}

// emitLocked numbers e, posts it and persists the counter. An entry
// that cannot be encoded is rejected before it takes a sequence id. A
// storage failure is returned after the entry has been posted.
func (r *Recorder) emitLocked(e types.LogEntry) error {
	if !r.rules.Allows(e.Activity, e.Subactivity) {
		return nil
	}
	e.Session = r.sessionID
	e.SequenceID = r.seq + 1
	if _, err := json.Marshal(e); err != nil {
		return fmt.Errorf("%w: %s entry: %v", ErrUnencodable, e.Activity, err)
	}
	r.seq++

	msg := types.Message{Log: []types.LogEntry{e}}
	if r.creds != nil {
		msg.API, msg.Token = r.creds()
	}
	r.sink.Post(msg)
	r.debug.show(r.logger, r.clock.Now(), e)

	return r.identity.SaveSequence(r.sessionID, r.seq)
}
