package mapper

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/colors"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"google.golang.org/api/calendar/v3"
)

const (
	// SyncMarker closes the description of every event the board creates.
	SyncMarker = "Synced from Taskboard"

	PropTaskID = "taskboard_id"
	PropKind   = "taskboard_kind"

	DefaultDuration = 60 * time.Minute

	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"

	EventConfirmed = "confirmed"
	EventCancelled = "cancelled"
)

var statusGlyphs = map[string]string{
	model.StatusTodo:       "○",
	model.StatusInProgress: "◐",
	model.StatusInReview:   "◑",
	model.StatusDone:       "✓",
	model.StatusCancelled:  "✕",
}

var eventIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// Mapper converts records to calendar events. It holds no state besides the
// location timed events are interpreted in and is safe for concurrent use.
type Mapper struct {
	loc *time.Location
	now func() time.Time
}

// New returns a Mapper for loc. A nil loc means UTC.
func New(loc *time.Location) *Mapper {
	if loc == nil {
		loc = time.UTC
	}
	return &Mapper{loc: loc, now: time.Now}
}

// Location returns the timezone timed events are built in.
func (m *Mapper) Location() *time.Location {
	return m.loc
}

// ToExternalEvent builds the full event payload for a record. The event id is
// left empty; see EventID.
func (m *Mapper) ToExternalEvent(task *model.Task) (*calendar.Event, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", model.ErrMalformedMapping)
	}

	start, end, err := m.schedule(task)
	if err != nil {
		return nil, err
	}

	summary := task.Title
	if task.Status == model.StatusDone {
		summary = fmt.Sprintf("✓ %s", task.Title)
	}

	status := EventConfirmed
	if task.Status == model.StatusCancelled {
		status = EventCancelled
	}

	slot := colors.ForPriority(task.Priority)

	return &calendar.Event{
		Summary:     summary,
		Description: describe(task, slot),
		ColorId:     slot.ColorID(),
		Status:      status,
		Start:       start,
		End:         end,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				PropTaskID: task.ID,
				PropKind:   string(task.Kind),
			},
		},
	}, nil
}

func (m *Mapper) schedule(task *model.Task) (*calendar.EventDateTime, *calendar.EventDateTime, error) {
	date := DatePortion(task.DueDate)

	switch {
	case date != "" && strings.TrimSpace(task.DueTime) != "":
		day, err := time.ParseInLocation(dateLayout, date, m.loc)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: due_date %q: %v", model.ErrMalformedMapping, task.DueDate, err)
		}
		h, mi, sec, err := parseClock(task.DueTime)
		if err != nil {
			return nil, nil, err
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), h, mi, sec, 0, m.loc)
		return m.timed(start, durationOf(task))
	case date != "":
		day, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: due_date %q: %v", model.ErrMalformedMapping, task.DueDate, err)
		}
		return &calendar.EventDateTime{Date: day.Format(dateLayout)},
			&calendar.EventDateTime{Date: day.AddDate(0, 0, 1).Format(dateLayout)},
			nil
	default:
		// No date at all: park it at now for an hour so creation never fails.
		return m.timed(m.now().In(m.loc).Truncate(time.Second), DefaultDuration)
	}
}

func (m *Mapper) timed(start time.Time, d time.Duration) (*calendar.EventDateTime, *calendar.EventDateTime, error) {
	end := start.Add(d)
	return &calendar.EventDateTime{DateTime: start.Format(dateTimeLayout), TimeZone: m.loc.String()},
		&calendar.EventDateTime{DateTime: end.Format(dateTimeLayout), TimeZone: m.loc.String()},
		nil
}

func durationOf(task *model.Task) time.Duration {
	if task.Duration > 0 {
		return time.Duration(task.Duration) * time.Minute
	}
	return DefaultDuration
}

// DatePortion truncates a date value at its first time separator, so
// "2025-03-10T00:00:00Z" and "2025-03-10 09:00" both become "2025-03-10".
func DatePortion(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexAny(v, "T "); i >= 0 {
		v = v[:i]
	}
	return v
}

func parseClock(v string) (int, int, int, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Hour(), t.Minute(), t.Second(), nil
		}
	}
	return 0, 0, 0, fmt.Errorf("%w: due_time %q", model.ErrMalformedMapping, v)
}

func describe(task *model.Task, slot colors.Slot) string {
	var b strings.Builder

	glyph, ok := statusGlyphs[task.Status]
	if !ok {
		glyph = "•"
	}
	b.WriteString(fmt.Sprintf("%s Status: %s\n", glyph, task.Status))
	b.WriteString(fmt.Sprintf("Priority: %s\n", slot.Label()))

	if d := strings.TrimSpace(task.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(SyncMarker)
	return b.String()
}

// EventID derives the client-supplied event id for a record at its current
// sync version. Two syncs deciding to create from the same read produce the
// same id, and the calendar rejects the second insert.
func EventID(task *model.Task) string {
	raw := fmt.Sprintf("%s:%s:%d", task.Kind, task.ID, task.SyncVersion)
	return strings.ToLower(eventIDEncoding.EncodeToString([]byte(raw)))
}

// IsAppEvent reports whether an event was created by the board.
func IsAppEvent(event *calendar.Event) bool {
	if event == nil {
		return false
	}
	if event.ExtendedProperties != nil && event.ExtendedProperties.Private[PropTaskID] != "" {
		return true
	}
	return strings.Contains(event.Description, SyncMarker)
}

// FromExternalEvent converts a calendar event into a display record. Linkage
// fields are left for the caller to fill in.
func FromExternalEvent(event *calendar.Event) model.DisplayRecord {
	rec := model.DisplayRecord{
		EventID:     event.Id,
		Title:       event.Summary,
		Description: event.Description,
		ColorID:     event.ColorId,
		Status:      event.Status,
		Link:        event.HtmlLink,
		AppSynced:   IsAppEvent(event),
	}
	if rec.Status == "" {
		rec.Status = EventConfirmed
	}
	if rec.AppSynced {
		rec.Priority = colors.SlotForColorID(event.ColorId).Label()
	}
	rec.Start, rec.AllDay = parseEventTime(event.Start)
	rec.End, _ = parseEventTime(event.End)
	return rec
}

func parseEventTime(edt *calendar.EventDateTime) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.Date != "" {
		t, err := time.Parse(dateLayout, edt.Date)
		if err != nil {
			return time.Time{}, true
		}
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
		return t, false
	}
	loc := time.UTC
	if edt.TimeZone != "" {
		if l, err := time.LoadLocation(edt.TimeZone); err == nil {
			loc = l
		}
	}
	t, _ := time.ParseInLocation(dateTimeLayout, edt.DateTime, loc)
	return t, false
}
