package recorder

import "github.com/yourorg/annotrack/pkg/types"

func (r *Recorder) addGeometry(e *types.LogEntry, v Viewer) {
	size := v.Size()
	if area, ok := project(v, 0, 0, size.Width, size.Height); ok {
		e.VisibleArea = &area
	}
	off := v.Offset()
	e.ImagePosition = &types.ImagePosition{
		Width:  size.Width,
		Height: size.Height,
		Top:    off.Y,
		Left:   off.X,
	}
	rotation, zoom := v.Rotation(), v.Zoom()
	e.Rotation = &rotation
	e.Zoom = &zoom
}

// project inverse-projects the corners of a display rectangle. It fails
// when any corner has no geographic position.
func project(v Viewer, left, top, width, height float64) (types.VisibleArea, bool) {
	corners := [4]types.Point{
		{X: left, Y: top},
		{X: left + width, Y: top},
		{X: left, Y: top + height},
		{X: left + width, Y: top + height},
	}
	var geo [4]types.Point
	for i, c := range corners {
		p, err := v.DisplayToGeographic(c)
		if err != nil {
			return types.VisibleArea{}, false
		}
		geo[i] = p
	}
	return types.VisibleArea{TL: geo[0], TR: geo[1], BL: geo[2], BR: geo[3]}, true
}

// panelSnapshotLocked lists the visible panels. A panel whose content
// box is narrower than its border box by more than the scrollbar
// threshold also yields a "scrollbar" rectangle for the gap. Panel
// rectangles are page coordinates; the area they cover in the image is
// attached when a viewer is bound and the projection succeeds.
func (r *Recorder) panelSnapshotLocked() []types.Panel {
	if r.view == nil {
		return nil
	}
	var out []types.Panel
	for _, b := range r.view.Panels() {
		if !b.Visible || b.Width <= 0 || b.Height <= 0 {
			continue
		}
		out = append(out, r.panel(b.Title, "", b.Left, b.Top, b.Width, b.Height))
		if b.ClientWidth <= 0 {
			continue
		}
		if gap := b.Width - b.ClientWidth; gap > r.scrollbar {
			out = append(out, r.panel(b.Title, panelKindScrollbar, b.Left+b.ClientWidth, b.Top, gap, b.Height))
		}
	}
	return out
}

func (r *Recorder) panel(title, kind string, left, top, width, height float64) types.Panel {
	p := types.Panel{Title: title, Kind: kind, Left: left, Top: top, Width: width, Height: height}
	if r.viewer == nil {
		return p
	}
	off := r.viewer.Offset()
	if area, ok := project(r.viewer, left-off.X, top-off.Y, width, height); ok {
		p.Area = &area
	}
	return p
}
