package model

import "time"

// Credential is the OAuth grant for a user's calendar. One row per user.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	TokenType    string
	UpdatedAt    time.Time
}

// Sync log actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionSync   = "sync"
)

// Sync log statuses.
const (
	LogSuccess = "success"
	LogFailed  = "failed"
	LogPending = "pending"
)

// SyncLogEntry is an append-only audit record of one sync attempt.
type SyncLogEntry struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	TaskID          string    `json:"task_id,omitempty"`
	Kind            Kind      `json:"kind,omitempty"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	Action          string    `json:"action"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// WatchChannel maps a push notification channel to the user who owns it.
type WatchChannel struct {
	ChannelID  string
	UserID     string
	ResourceID string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Queue item kinds and statuses.
const (
	QueueCheckUpdates = "check_updates"

	QueuePending = "pending"
	QueueRunning = "running"
	QueueDone    = "done"
	QueueFailed  = "failed"
)

// QueueItem is a durable unit of deferred reconciliation work.
type QueueItem struct {
	ID        string
	UserID    string
	Kind      string
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// DisplayRecord is one calendar event merged with its local linkage, if any.
type DisplayRecord struct {
	EventID     string    `json:"event_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	ColorID     string    `json:"color_id,omitempty"`
	Priority    string    `json:"priority,omitempty"` // label, board events only
	Status      string    `json:"status"`
	Link        string    `json:"link,omitempty"`
	AppSynced   bool      `json:"app_synced"`
	TaskID      string    `json:"task_id,omitempty"`
	TaskKind    Kind      `json:"task_kind,omitempty"`
	TaskStatus  string    `json:"task_status,omitempty"`
	Foreign     bool      `json:"foreign"`
}
