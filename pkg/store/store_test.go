package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, "file::memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRebind(t *testing.T) {
	pg := New(nil, DriverPostgres)
	if got := pg.rebind("SELECT 1 WHERE a = ? AND b = ?"); got != "SELECT 1 WHERE a = $1 AND b = $2" {
		t.Errorf("Unexpected postgres query: %s", got)
	}
	lite := New(nil, DriverSQLite)
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("Expected sqlite query untouched, got %s", got)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.GetCredential(ctx, "u1"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}

	exp := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := s.SaveCredential(ctx, &model.Credential{
		UserID: "u1", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: exp, Scope: "calendar", TokenType: "Bearer",
	}); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}

	// Reconnect without a refresh token keeps the stored one.
	if err := s.SaveCredential(ctx, &model.Credential{UserID: "u1", AccessToken: "a2", ExpiresAt: exp}); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}
	c, err := s.GetCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if c.AccessToken != "a2" || c.RefreshToken != "r1" {
		t.Errorf("Expected a2/r1, got %s/%s", c.AccessToken, c.RefreshToken)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Errorf("Expected expiry %v, got %v", exp, c.ExpiresAt)
	}

	ok, err := s.UpdateAccessToken(ctx, "u1", "a3", exp.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("Expected newer token to be stored, got ok=%v err=%v", ok, err)
	}
	ok, err = s.UpdateAccessToken(ctx, "u1", "stale", exp.Add(30*time.Minute))
	if err != nil || ok {
		t.Fatalf("Expected older token to be ignored, got ok=%v err=%v", ok, err)
	}
	c, _ = s.GetCredential(ctx, "u1")
	if c.AccessToken != "a3" || c.RefreshToken != "r1" {
		t.Errorf("Expected a3/r1 after refresh, got %s/%s", c.AccessToken, c.RefreshToken)
	}

	if err := s.DeleteCredential(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(ctx, "u1"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected after delete, got %v", err)
	}
}

func TestTaskLinkageCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	task := &model.Task{Kind: model.KindTask, UserID: "u1", Title: "Plan", Status: model.StatusTodo, Priority: 2, DueDate: "2025-03-10"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, "u1", model.KindTask, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Synced() || got.SyncVersion != 0 || got.DueDate != "2025-03-10" || got.DueTime != "" {
		t.Errorf("Unexpected fresh task: %+v", got)
	}

	if _, err := s.GetTask(ctx, "someone-else", model.KindTask, task.ID); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("Expected tasks to be scoped by user, got %v", err)
	}

	v, err := s.SetExternalEventID(ctx, "u1", model.KindTask, task.ID, 0, "evt1")
	if err != nil {
		t.Fatalf("SetExternalEventID failed: %v", err)
	}
	if v != 1 {
		t.Errorf("Expected version 1, got %d", v)
	}
	if _, err := s.SetExternalEventID(ctx, "u1", model.KindTask, task.ID, 0, "evt2"); !errors.Is(err, model.ErrExternalConflict) {
		t.Fatalf("Expected stale write to conflict, got %v", err)
	}

	links, err := s.ListLinks(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].ExternalEventID != "evt1" || links[0].Kind != model.KindTask {
		t.Errorf("Unexpected links: %+v", links)
	}

	if _, err := s.SetExternalEventID(ctx, "u1", model.KindTask, task.ID, 1, ""); err != nil {
		t.Fatalf("clearing linkage failed: %v", err)
	}
	got, _ = s.GetTask(ctx, "u1", model.KindTask, task.ID)
	if got.Synced() || got.SyncVersion != 2 {
		t.Errorf("Expected cleared linkage at version 2, got %+v", got)
	}
}

func TestUpdateTaskFieldsLeavesLinkage(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	parent := &model.Task{Kind: model.KindTask, UserID: "u1", Title: "Parent", Status: model.StatusTodo}
	if err := s.CreateTask(ctx, parent); err != nil {
		t.Fatal(err)
	}
	sub := &model.Task{Kind: model.KindSubtask, ParentID: parent.ID, UserID: "u1", Title: "Child", Status: model.StatusTodo, ExternalEventID: "evt9", SyncVersion: 3}
	if err := s.CreateTask(ctx, sub); err != nil {
		t.Fatal(err)
	}

	title, dueTime, duration := "Child renamed", "09:30", 45
	got, err := s.UpdateTaskFields(ctx, "u1", model.KindSubtask, sub.ID, model.TaskFields{Title: &title, DueTime: &dueTime, Duration: &duration})
	if err != nil {
		t.Fatalf("UpdateTaskFields failed: %v", err)
	}
	if got.Title != title || got.DueTime != "09:30" || got.Duration != 45 {
		t.Errorf("Fields not applied: %+v", got)
	}
	if got.ExternalEventID != "evt9" || got.SyncVersion != 3 || got.ParentID != parent.ID {
		t.Errorf("Expected linkage and parent untouched, got %+v", got)
	}

	if _, err := s.UpdateTaskFields(ctx, "u2", model.KindSubtask, sub.ID, model.TaskFields{Title: &title}); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound for another user, got %v", err)
	}
}

func TestSyncLogAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	entries := []*model.SyncLogEntry{
		{UserID: "u1", TaskID: "t1", Kind: model.KindTask, ExternalEventID: "e1", Action: model.ActionCreate, Status: model.LogSuccess},
		{UserID: "u1", TaskID: "t1", Kind: model.KindTask, Action: model.ActionUpdate, Status: model.LogFailed, ErrorMessage: "boom"},
		{UserID: "u1", Action: model.ActionSync, Status: model.LogSuccess},
		{UserID: "u2", Action: model.ActionSync, Status: model.LogSuccess},
	}
	for _, e := range entries {
		if err := s.AppendSyncLog(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.ID == "" {
			t.Fatal("Expected an id to be assigned")
		}
	}

	got, err := s.ListSyncLog(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries for u1, got %d", len(got))
	}
	if got[0].Action != model.ActionSync || got[0].TaskID != "" {
		t.Errorf("Expected newest connection-level entry first, got %+v", got[0])
	}
	if got[1].ErrorMessage != "boom" || got[1].Status != model.LogFailed {
		t.Errorf("Expected failed entry with message, got %+v", got[1])
	}
	if got[2].ExternalEventID != "e1" || got[2].Kind != model.KindTask {
		t.Errorf("Unexpected oldest entry: %+v", got[2])
	}
}

func TestChannels(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.ChannelOwner(ctx, "c1"); !errors.Is(err, model.ErrChannelNotFound) {
		t.Fatalf("Expected ErrChannelNotFound, got %v", err)
	}
	if err := s.SaveChannel(ctx, &model.WatchChannel{ChannelID: "c1", UserID: "u1", ResourceID: "r1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	owner, err := s.ChannelOwner(ctx, "c1")
	if err != nil || owner != "u1" {
		t.Fatalf("Expected owner u1, got %q (%v)", owner, err)
	}
	chans, err := s.ListChannels(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 1 || chans[0].ResourceID != "r1" || chans[0].ExpiresAt.IsZero() {
		t.Errorf("Expected one channel with resource r1, got %+v", chans)
	}
	if err := s.DeleteChannels(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ChannelOwner(ctx, "c1"); !errors.Is(err, model.ErrChannelNotFound) {
		t.Fatalf("Expected channel gone, got %v", err)
	}
}

func TestQueueDedupesAndClaims(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	id1, err := s.Enqueue(ctx, "u1", model.QueueCheckUpdates)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Enqueue(ctx, "u1", model.QueueCheckUpdates)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("Expected duplicate enqueue to collapse, got %s and %s", id1, id2)
	}
	if _, err := s.Enqueue(ctx, "u2", model.QueueCheckUpdates); err != nil {
		t.Fatal(err)
	}

	items, err := s.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 claimed items, got %d", len(items))
	}
	for _, it := range items {
		if it.Status != model.QueueRunning || it.Attempts != 1 {
			t.Errorf("Unexpected claimed item %+v", it)
		}
	}

	again, err := s.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("Expected nothing left to claim, got %d", len(again))
	}

	if err := s.CompleteItem(ctx, items[0].ID, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteItem(ctx, items[1].ID, errors.New("calendar down")); err != nil {
		t.Fatal(err)
	}

	// A new notification after completion queues fresh work.
	id3, err := s.Enqueue(ctx, "u1", model.QueueCheckUpdates)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 {
		t.Error("Expected a new item once the previous one completed")
	}
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	if _, err := s.Enqueue(ctx, "u1", model.QueueCheckUpdates); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimPending(ctx, 10); err != nil {
		t.Fatal(err)
	}

	n, err := s.RequeueStale(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected a fresh claim left running, got %d requeued", n)
	}

	now = base.Add(time.Hour)
	n, err = s.RequeueStale(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 requeued, got %d", n)
	}
	items, err := s.ClaimPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Attempts != 2 {
		t.Errorf("Expected the item claimed a second time, got %+v", items)
	}
}
