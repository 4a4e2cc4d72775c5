package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harrisonrobin/taskboard/pkg/index"
	"github.com/harrisonrobin/taskboard/pkg/mapper"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"google.golang.org/api/calendar/v3"
)

// Resource states sent with push notifications.
const (
	StateSync   = "sync"
	StateExists = "exists"
)

// Store is the part of the store the listener needs.
type Store interface {
	ListLinks(ctx context.Context, userID string) ([]model.Link, error)
	AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error

	SaveChannel(ctx context.Context, ch *model.WatchChannel) error
	ChannelOwner(ctx context.Context, channelID string) (string, error)
	ListChannels(ctx context.Context, userID string) ([]model.WatchChannel, error)
	DeleteChannels(ctx context.Context, userID string) error

	Enqueue(ctx context.Context, userID, kind string) (string, error)
	ClaimPending(ctx context.Context, limit int) ([]model.QueueItem, error)
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
	CompleteItem(ctx context.Context, id string, runErr error) error
}

// Tokens hands out valid calendar access tokens.
type Tokens interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Calendar is the read and watch side of the calendar adapter.
type Calendar interface {
	ListEvents(ctx context.Context, accessToken string, window model.Window) ([]*calendar.Event, error)
	Watch(ctx context.Context, accessToken, channelID, address string) (*calendar.Channel, error)
	StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error
}

// Listener merges calendar events with local linkage and turns change
// notifications into queued reconciliation work.
type Listener struct {
	store      Store
	tokens     Tokens
	calendar   Calendar
	webhookURL string
	window     time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewListener returns a Listener. window is the span DefaultWindow covers;
// webhookURL is where push channels deliver notifications.
func NewListener(store Store, tokens Tokens, cal Calendar, webhookURL string, window time.Duration, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Listener{
		store:      store,
		tokens:     tokens,
		calendar:   cal,
		webhookURL: webhookURL,
		window:     window,
		log:        log,
		now:        time.Now,
	}
}

// DefaultWindow starts now and spans the configured window.
func (l *Listener) DefaultWindow() model.Window {
	now := l.now().UTC().Truncate(time.Second)
	return model.Window{From: now, To: now.Add(l.window)}
}

// ListUpcoming returns the events in window, each tagged with the record it
// is linked to. Events nothing links to are foreign unless they carry the
// board's marker.
func (l *Listener) ListUpcoming(ctx context.Context, userID string, window model.Window) ([]model.DisplayRecord, error) {
	token, err := l.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	events, err := l.calendar.ListEvents(ctx, token, window)
	if err != nil {
		return nil, err
	}
	links, err := l.store.ListLinks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list upcoming: %w", err)
	}
	idx := index.NewLinkIndex(links)
	l.log.Debug("merging calendar events", "user_id", userID, "events", len(events), "links", idx.Len())

	records := make([]model.DisplayRecord, 0, len(events))
	for _, ev := range events {
		rec := mapper.FromExternalEvent(ev)
		if link, ok := idx.Get(ev.Id); ok {
			rec.TaskID = link.TaskID
			rec.TaskKind = link.Kind
			rec.TaskStatus = link.Status
		} else if rec.AppSynced {
			l.log.Warn("board event has no linked record", "user_id", userID, "event_id", ev.Id)
		} else {
			rec.Foreign = true
		}
		records = append(records, rec)
	}
	return records, nil
}

// OnExternalChangeNotification handles one push notification. The handshake
// is acknowledged, a change queues a check for the channel's owner, and any
// other state is ignored. Events are never fetched here.
func (l *Listener) OnExternalChangeNotification(ctx context.Context, channelID, resourceState string) error {
	switch resourceState {
	case StateSync:
		l.log.Debug("watch channel handshake", "channel_id", channelID)
		return nil
	case StateExists:
	default:
		l.log.Debug("ignoring notification", "channel_id", channelID, "state", resourceState)
		return nil
	}

	userID, err := l.store.ChannelOwner(ctx, channelID)
	if err != nil {
		return err
	}
	id, err := l.store.Enqueue(ctx, userID, model.QueueCheckUpdates)
	if err != nil {
		return err
	}
	l.log.Debug("queued calendar check", "user_id", userID, "item_id", id)
	return nil
}

// Watch registers a push channel on the user's calendar and remembers who
// owns it.
func (l *Listener) Watch(ctx context.Context, userID string) (*model.WatchChannel, error) {
	if l.webhookURL == "" {
		return nil, errors.New("no webhook url configured")
	}
	token, err := l.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	ch, err := l.calendar.Watch(ctx, token, uuid.NewString(), l.webhookURL)
	if err != nil {
		return nil, err
	}
	wc := &model.WatchChannel{ChannelID: ch.Id, UserID: userID, ResourceID: ch.ResourceId}
	if ch.Expiration > 0 {
		wc.ExpiresAt = time.UnixMilli(ch.Expiration).UTC()
	}
	if err := l.store.SaveChannel(ctx, wc); err != nil {
		return nil, err
	}
	l.log.Info("watching calendar", "user_id", userID, "channel_id", wc.ChannelID, "expires_at", wc.ExpiresAt)
	return wc, nil
}

// ForgetChannels stops the user's push channels and deletes them. Channels
// are dropped locally even when the calendar can no longer be reached.
func (l *Listener) ForgetChannels(ctx context.Context, userID string) error {
	chans, err := l.store.ListChannels(ctx, userID)
	if err != nil {
		return err
	}
	if len(chans) == 0 {
		return nil
	}

	token, err := l.tokens.AccessToken(ctx, userID)
	if err != nil {
		l.log.Warn("cannot stop watch channels", "user_id", userID, "error", err)
	} else {
		for _, ch := range chans {
			if err := l.calendar.StopChannel(ctx, token, ch.ChannelID, ch.ResourceID); err != nil {
				l.log.Warn("stop watch channel", "user_id", userID, "channel_id", ch.ChannelID, "error", err)
			}
		}
	}
	return l.store.DeleteChannels(ctx, userID)
}

// Summary counts what a reconciliation pass saw.
type Summary struct {
	Events  int `json:"events"`
	Linked  int `json:"linked"`
	Foreign int `json:"foreign"`
	Drifted int `json:"drifted"`
}

// Reconcile runs one pass over the default window for userID and records the
// outcome in the sync log.
func (l *Listener) Reconcile(ctx context.Context, userID string) (Summary, error) {
	var sum Summary
	records, err := l.ListUpcoming(ctx, userID, l.DefaultWindow())
	if err != nil {
		l.record(ctx, &model.SyncLogEntry{
			UserID:       userID,
			Action:       model.ActionSync,
			Status:       model.LogFailed,
			ErrorMessage: err.Error(),
		})
		return sum, err
	}

	for _, rec := range records {
		sum.Events++
		switch {
		case rec.TaskID != "":
			sum.Linked++
		case rec.Foreign:
			sum.Foreign++
		default:
			sum.Drifted++
		}
	}
	l.record(ctx, &model.SyncLogEntry{UserID: userID, Action: model.ActionSync, Status: model.LogSuccess})
	l.log.Info("calendar reconciled", "user_id", userID, "events", sum.Events, "linked", sum.Linked, "foreign", sum.Foreign, "drifted", sum.Drifted)
	return sum, nil
}

func (l *Listener) record(ctx context.Context, e *model.SyncLogEntry) {
	if err := l.store.AppendSyncLog(ctx, e); err != nil {
		l.log.Error("append sync log", "user_id", e.UserID, "error", err)
	}
}
