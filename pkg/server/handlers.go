package server

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/syncer"
)

const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceState = "X-Goog-Resource-State"
)

type authorizeResponse struct {
	URL string `json:"url"`
}

type statusResponse struct {
	Connected bool `json:"connected"`
}

type eventsResponse struct {
	From   time.Time             `json:"from"`
	To     time.Time             `json:"to"`
	Events []model.DisplayRecord `json:"events"`
}

type watchResponse struct {
	ChannelID string    `json:"channel_id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type logsResponse struct {
	Entries []model.SyncLogEntry `json:"entries"`
}

type taskResponse struct {
	ID              string     `json:"id"`
	Kind            model.Kind `json:"kind"`
	ParentID        string     `json:"parent_id,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	DueDate         string     `json:"due_date,omitempty"`
	DueTime         string     `json:"due_time,omitempty"`
	Duration        int        `json:"duration,omitempty"`
	ExternalEventID string     `json:"external_event_id,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type updateResponse struct {
	Task taskResponse   `json:"task"`
	Sync *syncer.Result `json:"sync,omitempty"`
}

func toTaskResponse(t *model.Task) taskResponse {
	return taskResponse{
		ID:              t.ID,
		Kind:            t.Kind,
		ParentID:        t.ParentID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          t.Status,
		Priority:        t.Priority,
		DueDate:         t.DueDate,
		DueTime:         t.DueTime,
		Duration:        t.Duration,
		ExternalEventID: t.ExternalEventID,
		UpdatedAt:       t.UpdatedAt,
	}
}

func (s *Server) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"app":    s.cfg.AppName,
	})
}

// callback finishes the consent flow and sends the browser back to the app.
func (s *Server) callback(c fiber.Ctx) error {
	target := s.cfg.FrontendURL + "/settings/calendar"

	if errParam := c.Query("error"); errParam != "" {
		return c.Redirect().To(target + "?error=" + url.QueryEscape(errParam))
	}
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		return c.Redirect().To(target + "?error=" + reasonInvalidRequest)
	}

	userID, err := s.svc.Connections.Connect(c.Context(), state, code)
	if err != nil {
		s.log.Warn("calendar connect failed", "error", err)
		return c.Redirect().To(target + "?error=" + url.QueryEscape(model.Reason(err)))
	}
	s.log.Info("calendar callback complete", "user_id", userID)
	return c.Redirect().To(target + "?connected=1")
}

// webhook receives push notifications. It always answers 200 so the calendar
// does not redeliver.
func (s *Server) webhook(c fiber.Ctx) error {
	channelID := c.Get(headerChannelID)
	state := c.Get(headerResourceState)
	if channelID == "" {
		s.log.Warn("calendar notification without channel id", "state", state)
		return c.SendStatus(fiber.StatusOK)
	}
	if err := s.svc.Reconciler.OnExternalChangeNotification(c.Context(), channelID, state); err != nil {
		s.log.Error("handle calendar notification", "channel_id", channelID, "state", state, "error", err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (s *Server) authorize(c fiber.Ctx) error {
	u, err := s.svc.Authorizer.AuthURL(UserID(c))
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(authorizeResponse{URL: u})
}

func (s *Server) status(c fiber.Ctx) error {
	ok, err := s.svc.Connections.Connected(c.Context(), UserID(c))
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(statusResponse{Connected: ok})
}

func (s *Server) disconnect(c fiber.Ctx) error {
	userID := UserID(c)
	if err := s.svc.Reconciler.ForgetChannels(c.Context(), userID); err != nil {
		s.log.Warn("forget watch channels", "user_id", userID, "error", err)
	}
	if err := s.svc.Connections.Disconnect(c.Context(), userID); err != nil {
		return renderError(c, err)
	}
	return c.JSON(statusResponse{Connected: false})
}

func (s *Server) events(c fiber.Ctx) error {
	window, err := parseWindow(c.Query("from"), c.Query("to"), s.svc.Reconciler.DefaultWindow())
	if err != nil {
		return badRequest(c, err.Error())
	}
	records, err := s.svc.Reconciler.ListUpcoming(c.Context(), UserID(c), window)
	if err != nil {
		return renderError(c, err)
	}
	if records == nil {
		records = []model.DisplayRecord{}
	}
	return c.JSON(eventsResponse{From: window.From, To: window.To, Events: records})
}

func (s *Server) watch(c fiber.Ctx) error {
	ch, err := s.svc.Reconciler.Watch(c.Context(), UserID(c))
	if err != nil {
		return renderError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(watchResponse{ChannelID: ch.ChannelID, ExpiresAt: ch.ExpiresAt})
}

func (s *Server) logs(c fiber.Ctx) error {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return badRequest(c, "limit must be between 1 and 500")
		}
		limit = n
	}
	entries, err := s.svc.SyncLog.ListSyncLog(c.Context(), UserID(c), limit)
	if err != nil {
		return renderError(c, err)
	}
	if entries == nil {
		entries = []model.SyncLogEntry{}
	}
	return c.JSON(logsResponse{Entries: entries})
}

func (s *Server) sync(c fiber.Ctx) error {
	kind, err := kindParam(c)
	if err != nil {
		return renderError(c, err)
	}
	res, err := s.svc.Syncer.Sync(c.Context(), UserID(c), kind, c.Params("id"))
	return renderResult(c, res, err)
}

func (s *Server) unsync(c fiber.Ctx) error {
	kind, err := kindParam(c)
	if err != nil {
		return renderError(c, err)
	}
	res, err := s.svc.Syncer.Unsync(c.Context(), UserID(c), kind, c.Params("id"))
	return renderResult(c, res, err)
}

// updateTask saves the edit and reports the calendar outcome alongside it.
// The status reflects the edit only.
func (s *Server) updateTask(c fiber.Ctx) error {
	kind, err := kindParam(c)
	if err != nil {
		return renderError(c, err)
	}
	var fields model.TaskFields
	if err := c.Bind().JSON(&fields); err != nil {
		return badRequest(c, "invalid request body")
	}
	if fields.Empty() {
		return badRequest(c, "no fields to update")
	}
	if fields.Priority != nil && (*fields.Priority < 0 || *fields.Priority > 4) {
		return badRequest(c, "priority must be between 0 and 4")
	}

	task, res, err := s.svc.Syncer.UpdateTask(c.Context(), UserID(c), kind, c.Params("id"), fields)
	if err != nil {
		return renderError(c, err)
	}
	out := updateResponse{Task: toTaskResponse(task)}
	if res.Action != "" {
		out.Sync = &res
	}
	return c.JSON(out)
}

func kindParam(c fiber.Ctx) (model.Kind, error) {
	switch c.Params("kind") {
	case "tasks":
		return model.KindTask, nil
	case "subtasks":
		return model.KindSubtask, nil
	default:
		return "", fmt.Errorf("%w: unknown collection %q", model.ErrTaskNotFound, c.Params("kind"))
	}
}

var errBadWindow = errors.New("from and to must be RFC 3339 timestamps or YYYY-MM-DD dates, with from before to")

// parseWindow reads an optional [from, to) range. A missing end keeps the
// default span; a missing start keeps the default start.
func parseWindow(from, to string, def model.Window) (model.Window, error) {
	w := def
	span := def.To.Sub(def.From)
	if from != "" {
		t, err := parseInstant(from)
		if err != nil {
			return w, errBadWindow
		}
		w.From = t
		w.To = t.Add(span)
	}
	if to != "" {
		t, err := parseInstant(to)
		if err != nil {
			return w, errBadWindow
		}
		w.To = t
	}
	if !w.From.Before(w.To) {
		return w, errBadWindow
	}
	return w, nil
}

func parseInstant(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
