package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harrisonrobin/taskboard/pkg/mapper"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"google.golang.org/api/calendar/v3"
)

// TaskStore is the part of the store the orchestrator reads and writes.
type TaskStore interface {
	GetTask(ctx context.Context, userID string, kind model.Kind, id string) (*model.Task, error)
	UpdateTaskFields(ctx context.Context, userID string, kind model.Kind, id string, f model.TaskFields) (*model.Task, error)
	SetExternalEventID(ctx context.Context, userID string, kind model.Kind, id string, expectedVersion int64, eventID string) (int64, error)
	AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error
}

// Tokens hands out valid calendar access tokens.
type Tokens interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Calendar is the write side of the calendar adapter.
type Calendar interface {
	CreateEvent(ctx context.Context, accessToken string, event *calendar.Event) (string, error)
	PatchEvent(ctx context.Context, accessToken, eventID string, event *calendar.Event) error
	GetEvent(ctx context.Context, accessToken, eventID string) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, accessToken, eventID string) error
}

// EventMapper builds event payloads from records.
type EventMapper interface {
	ToExternalEvent(task *model.Task) (*calendar.Event, error)
}

// Result describes what a sync call did. Reason and Error are set on failure.
type Result struct {
	Action          string `json:"action,omitempty"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Error           string `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Reason == ""
}

// Orchestrator keeps a record and its calendar event in step. It holds no
// per-record state; concurrent calls for one record are arbitrated by the
// store's version check and the calendar's unique event ids.
type Orchestrator struct {
	store    TaskStore
	tokens   Tokens
	calendar Calendar
	mapper   EventMapper
	log      *slog.Logger
}

// New returns an Orchestrator.
func New(store TaskStore, tokens Tokens, cal Calendar, m EventMapper, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{store: store, tokens: tokens, calendar: cal, mapper: m, log: log}
}

// Sync creates the record's event, or overwrites it when one is linked.
func (o *Orchestrator) Sync(ctx context.Context, userID string, kind model.Kind, id string) (Result, error) {
	task, err := o.store.GetTask(ctx, userID, kind, id)
	if err != nil {
		return o.fail(ctx, userID, kind, id, "", model.ActionSync, err)
	}

	action := model.ActionCreate
	if task.Synced() {
		action = model.ActionUpdate
	}
	token, err := o.tokens.AccessToken(ctx, userID)
	if err != nil {
		return o.fail(ctx, userID, kind, id, task.ExternalEventID, action, err)
	}

	if !task.Synced() {
		return o.create(ctx, token, task)
	}
	return o.patch(ctx, token, task)
}

func (o *Orchestrator) create(ctx context.Context, token string, task *model.Task) (Result, error) {
	event, err := o.mapper.ToExternalEvent(task)
	if err != nil {
		return o.fail(ctx, task.UserID, task.Kind, task.ID, "", model.ActionCreate, err)
	}
	event.Id = mapper.EventID(task)

	eventID, err := o.calendar.CreateEvent(ctx, token, event)
	if errors.Is(err, model.ErrExternalConflict) {
		eventID, err = o.adopt(ctx, token, task, event, err)
	}
	if err != nil {
		return o.fail(ctx, task.UserID, task.Kind, task.ID, event.Id, model.ActionCreate, err)
	}

	if _, err := o.store.SetExternalEventID(ctx, task.UserID, task.Kind, task.ID, task.SyncVersion, eventID); err != nil {
		o.release(ctx, token, task, eventID, err)
		return o.fail(ctx, task.UserID, task.Kind, task.ID, eventID, model.ActionCreate, err)
	}

	o.succeed(ctx, task, eventID, model.ActionCreate)
	return Result{Action: model.ActionCreate, ExternalEventID: eventID}, nil
}

// adopt handles an insert rejected because the event id is taken. The id is
// derived from the record and its version, so the existing event is usually
// this record's own: an earlier create whose response was lost, one undone
// after a failed linkage write, or a concurrent sync's. Such an event is
// overwritten with the current payload, which also restores a cancelled one,
// and its id is returned for linking. Anything else stays a conflict.
func (o *Orchestrator) adopt(ctx context.Context, token string, task *model.Task, event *calendar.Event, conflict error) (string, error) {
	existing, err := o.calendar.GetEvent(ctx, token, event.Id)
	if errors.Is(err, model.ErrExternalNotFound) {
		return "", conflict
	}
	if err != nil {
		return "", err
	}
	if !ownedBy(existing, task) {
		return "", conflict
	}

	if err := o.calendar.PatchEvent(ctx, token, event.Id, event); err != nil {
		return "", err
	}
	o.log.Info("adopted existing calendar event", "user_id", task.UserID, "task_id", task.ID, "event_id", event.Id, "status", existing.Status)
	return event.Id, nil
}

func ownedBy(event *calendar.Event, task *model.Task) bool {
	if event.ExtendedProperties == nil {
		return false
	}
	props := event.ExtendedProperties.Private
	return props[mapper.PropTaskID] == task.ID && props[mapper.PropKind] == string(task.Kind)
}

// release runs after a create whose linkage write failed. When another sync
// moved the record on, nothing can ever point at the new event and it is
// deleted, unless that sync linked this very event. Any other write error
// leaves the event in place for the next attempt to adopt.
func (o *Orchestrator) release(ctx context.Context, token string, task *model.Task, eventID string, casErr error) {
	if !errors.Is(casErr, model.ErrExternalConflict) {
		o.log.Warn("calendar event created but not linked", "user_id", task.UserID, "task_id", task.ID, "event_id", eventID, "error", casErr)
		return
	}
	current, err := o.store.GetTask(ctx, task.UserID, task.Kind, task.ID)
	if err != nil {
		o.log.Warn("calendar event created but not linked", "user_id", task.UserID, "task_id", task.ID, "event_id", eventID, "error", err)
		return
	}
	if current.ExternalEventID == eventID {
		return
	}
	if err := o.calendar.DeleteEvent(ctx, token, eventID); err != nil {
		o.log.Error("orphaned calendar event", "user_id", task.UserID, "task_id", task.ID, "event_id", eventID, "error", err)
	}
}

func (o *Orchestrator) patch(ctx context.Context, token string, task *model.Task) (Result, error) {
	event, err := o.mapper.ToExternalEvent(task)
	if err != nil {
		return o.fail(ctx, task.UserID, task.Kind, task.ID, task.ExternalEventID, model.ActionUpdate, err)
	}

	err = o.calendar.PatchEvent(ctx, token, task.ExternalEventID, event)
	if err == nil {
		o.succeed(ctx, task, task.ExternalEventID, model.ActionUpdate)
		return Result{Action: model.ActionUpdate, ExternalEventID: task.ExternalEventID}, nil
	}
	if !errors.Is(err, model.ErrExternalNotFound) {
		return o.fail(ctx, task.UserID, task.Kind, task.ID, task.ExternalEventID, model.ActionUpdate, err)
	}

	// The event was deleted on the calendar side. Unlink and create a new one.
	o.log.Info("linked calendar event is gone, recreating", "user_id", task.UserID, "task_id", task.ID, "event_id", task.ExternalEventID)
	if _, err := o.store.SetExternalEventID(ctx, task.UserID, task.Kind, task.ID, task.SyncVersion, ""); err != nil {
		return o.fail(ctx, task.UserID, task.Kind, task.ID, task.ExternalEventID, model.ActionCreate, err)
	}
	fresh, err := o.store.GetTask(ctx, task.UserID, task.Kind, task.ID)
	if err != nil {
		return o.fail(ctx, task.UserID, task.Kind, task.ID, "", model.ActionCreate, err)
	}
	if fresh.Synced() {
		err := fmt.Errorf("%s %s relinked during recreation: %w", task.Kind, task.ID, model.ErrExternalConflict)
		return o.fail(ctx, task.UserID, task.Kind, task.ID, fresh.ExternalEventID, model.ActionCreate, err)
	}
	return o.create(ctx, token, fresh)
}

// Unsync deletes the record's event and clears the linkage. A record without
// an event is left alone, and an event already deleted on the calendar side
// counts as deleted.
func (o *Orchestrator) Unsync(ctx context.Context, userID string, kind model.Kind, id string) (Result, error) {
	task, err := o.store.GetTask(ctx, userID, kind, id)
	if err != nil {
		return o.fail(ctx, userID, kind, id, "", model.ActionDelete, err)
	}
	if !task.Synced() {
		return Result{Action: model.ActionDelete}, nil
	}

	token, err := o.tokens.AccessToken(ctx, userID)
	if err != nil {
		return o.fail(ctx, userID, kind, id, task.ExternalEventID, model.ActionDelete, err)
	}
	if err := o.calendar.DeleteEvent(ctx, token, task.ExternalEventID); err != nil {
		return o.fail(ctx, userID, kind, id, task.ExternalEventID, model.ActionDelete, err)
	}
	if _, err := o.store.SetExternalEventID(ctx, userID, kind, id, task.SyncVersion, ""); err != nil {
		return o.fail(ctx, userID, kind, id, task.ExternalEventID, model.ActionDelete, err)
	}

	o.succeed(ctx, task, task.ExternalEventID, model.ActionDelete)
	return Result{Action: model.ActionDelete, ExternalEventID: task.ExternalEventID}, nil
}

// UpdateTask saves a field edit and, when the record is linked, pushes it to
// the calendar. The returned error covers the edit only: a calendar failure
// is reported in the Result and the edit stands.
func (o *Orchestrator) UpdateTask(ctx context.Context, userID string, kind model.Kind, id string, fields model.TaskFields) (*model.Task, Result, error) {
	task, err := o.store.UpdateTaskFields(ctx, userID, kind, id, fields)
	if err != nil {
		return nil, Result{}, err
	}
	if !task.Synced() {
		return task, Result{}, nil
	}

	res, err := o.Sync(ctx, userID, kind, id)
	if err != nil {
		o.log.Warn("task saved but calendar sync failed", "user_id", userID, "task_id", id, "reason", res.Reason)
		return task, res, nil
	}
	task.ExternalEventID = res.ExternalEventID
	return task, res, nil
}

func (o *Orchestrator) succeed(ctx context.Context, task *model.Task, eventID, action string) {
	o.record(ctx, &model.SyncLogEntry{
		UserID:          task.UserID,
		TaskID:          task.ID,
		Kind:            task.Kind,
		ExternalEventID: eventID,
		Action:          action,
		Status:          model.LogSuccess,
	})
	o.log.Info("calendar sync", "action", action, "user_id", task.UserID, "task_id", task.ID, "event_id", eventID)
}

func (o *Orchestrator) fail(ctx context.Context, userID string, kind model.Kind, taskID, eventID, action string, err error) (Result, error) {
	msg := err.Error()
	if errors.Is(err, model.ErrNotConnected) {
		msg = "needs authorization: " + msg
	}
	o.record(ctx, &model.SyncLogEntry{
		UserID:          userID,
		TaskID:          taskID,
		Kind:            kind,
		ExternalEventID: eventID,
		Action:          action,
		Status:          model.LogFailed,
		ErrorMessage:    msg,
	})
	reason := model.Reason(err)
	o.log.Warn("calendar sync failed", "action", action, "user_id", userID, "task_id", taskID, "reason", reason, "error", err)
	return Result{Action: action, ExternalEventID: eventID, Reason: reason, Error: msg}, err
}

// record appends to the sync log. The log is for debugging; failing to write
// it never fails the sync.
func (o *Orchestrator) record(ctx context.Context, e *model.SyncLogEntry) {
	if err := o.store.AppendSyncLog(ctx, e); err != nil {
		o.log.Error("append sync log", "user_id", e.UserID, "task_id", e.TaskID, "error", err)
	}
}
