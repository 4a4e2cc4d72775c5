package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CalendarClient talks to one calendar on behalf of whichever user's token is
// passed in. It keeps no per-user state.
type CalendarClient struct {
	calendarID string
	timeout    time.Duration
	opts       []option.ClientOption
}

// NewCalendarClient returns a client for calendarID ("primary" for the
// user's own calendar). Every call is bounded by timeout. Extra options are
// appended to each service, e.g. option.WithEndpoint in tests.
func NewCalendarClient(calendarID string, timeout time.Duration, opts ...option.ClientOption) *CalendarClient {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &CalendarClient{calendarID: calendarID, timeout: timeout, opts: opts}
}

func (c *CalendarClient) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts...)
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Calendar client: %w", err)
	}
	return srv, nil
}

func (c *CalendarClient) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// CreateEvent inserts an event and returns the id the calendar assigned. When
// event.Id is set the calendar uses it, and a second insert with the same id
// fails with model.ErrExternalConflict.
func (c *CalendarClient) CreateEvent(ctx context.Context, accessToken string, event *calendar.Event) (string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	created, err := srv.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", classify("create event", err)
	}
	return created.Id, nil
}

// PatchEvent overwrites the event with the payload. A missing event is
// reported as model.ErrExternalNotFound.
func (c *CalendarClient) PatchEvent(ctx context.Context, accessToken, eventID string, event *calendar.Event) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if _, err := srv.Events.Patch(c.calendarID, eventID, event).Context(ctx).Do(); err != nil {
		return classify("patch event", err)
	}
	return nil
}

// GetEvent fetches one event by id. Deleted events are still returned, with
// status "cancelled", for as long as the calendar keeps them.
func (c *CalendarClient) GetEvent(ctx context.Context, accessToken, eventID string) (*calendar.Event, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	event, err := srv.Events.Get(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, classify("get event", err)
	}
	return event, nil
}

// DeleteEvent removes an event. Deleting an event that is already gone succeeds.
func (c *CalendarClient) DeleteEvent(ctx context.Context, accessToken, eventID string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = srv.Events.Delete(c.calendarID, eventID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	err = classify("delete event", err)
	if errors.Is(err, model.ErrExternalNotFound) {
		return nil
	}
	return err
}

// ListEvents fetches the events overlapping the window, expanding recurring
// events into instances.
func (c *CalendarClient) ListEvents(ctx context.Context, accessToken string, window model.Window) ([]*calendar.Event, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := srv.Events.List(c.calendarID).
		TimeMin(window.From.Format(time.RFC3339)).
		TimeMax(window.To.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")

	var items []*calendar.Event
	err = call.Pages(ctx, func(page *calendar.Events) error {
		items = append(items, page.Items...)
		return nil
	})
	if err != nil {
		return nil, classify("list events", err)
	}
	return items, nil
}

// Watch registers a push notification channel for the calendar's events.
func (c *CalendarClient) Watch(ctx context.Context, accessToken, channelID, address string) (*calendar.Channel, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	ch, err := srv.Events.Watch(c.calendarID, &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch events", err)
	}
	return ch, nil
}

var transientReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"backendError":          true,
}

// classify maps a Calendar API failure onto the sync error taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%s: %w: %v", op, model.ErrExternalNotFound, err)
		case http.StatusConflict:
			return fmt.Errorf("%s: %w: %v", op, model.ErrExternalConflict, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, model.ErrNotConnected, err)
		case http.StatusForbidden:
			for _, item := range gerr.Errors {
				if transientReasons[item.Reason] {
					return fmt.Errorf("%s: %w: %v", op, model.ErrExternalTransient, err)
				}
			}
			return fmt.Errorf("%s: %w: %v", op, model.ErrNotConnected, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrExternalTransient, err)
}

// StopChannel ends push notifications for a channel. A channel the calendar no
// longer knows about counts as stopped.
func (c *CalendarClient) StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = srv.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err == nil {
		return nil
	}
	err = classify("stop channel", err)
	if errors.Is(err, model.ErrExternalNotFound) {
		return nil
	}
	return err
}
