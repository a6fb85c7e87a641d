package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"conduit/internal/model"
)

func TestConfigRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config before save, got %+v", cfg)
	}

	want := &model.ClientConfig{Address: "127.0.0.1", Port: 9415, Transport: model.TransportTCP, AutoStart: true}
	if err := s.SaveConfig(ctx, want); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := s.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got == nil || got.Port != 9415 || !got.AutoStart {
		t.Fatalf("LoadConfig mismatch: %+v", got)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	record := &model.SessionRecord{
		Metadata: model.SessionMetadata{
			SessionID:      "session-abc",
			CreatedAt:      time.Now().Truncate(time.Second),
			LastActivityAt: time.Now().Truncate(time.Second),
			Summary:        "test session",
		},
		Messages: []model.PersistedMessage{
			{ID: "msg-1", Role: "user", Content: "hello"},
		},
	}
	if err := s.SaveSession(ctx, record); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	exists, err := s.SessionExists(ctx, "session-abc")
	if err != nil || !exists {
		t.Fatalf("SessionExists = (%v, %v), want (true, nil)", exists, err)
	}

	loaded, err := s.LoadSession(ctx, "session-abc")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded == nil || loaded.Metadata.Summary != "test session" || len(loaded.Messages) != 1 {
		t.Fatalf("LoadSession mismatch: %+v", loaded)
	}
}

func TestLoadSessionAbsentIsNil(t *testing.T) {
	s := New(t.TempDir())
	record, err := s.LoadSession(context.Background(), "session-missing")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record for missing session, got %+v", record)
	}
}

func TestLoadSessionFillsIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	// A legacy file written before the id lived inside the record.
	data := []byte(`{"metadata":{"summary":"legacy"},"messages":[]}`)
	if err := os.WriteFile(filepath.Join(dir, "session-legacy.json"), data, 0644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	record, err := s.LoadSession(context.Background(), "session-legacy")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if record.Metadata.SessionID != "session-legacy" {
		t.Fatalf("SessionID = %q, want session-legacy", record.Metadata.SessionID)
	}
}

func TestDeleteSession(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	existed, err := s.DeleteSession(ctx, "session-none")
	if err != nil || existed {
		t.Fatalf("DeleteSession(absent) = (%v, %v), want (false, nil)", existed, err)
	}

	record := &model.SessionRecord{Metadata: model.SessionMetadata{SessionID: "session-del", CreatedAt: time.Now()}}
	if err := s.SaveSession(ctx, record); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	existed, err = s.DeleteSession(ctx, "session-del")
	if err != nil || !existed {
		t.Fatalf("DeleteSession = (%v, %v), want (true, nil)", existed, err)
	}
	loaded, err := s.LoadSession(ctx, "session-del")
	if err != nil || loaded != nil {
		t.Fatalf("session still present after delete")
	}
}

func TestAppendMessages(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	record := &model.SessionRecord{Metadata: model.SessionMetadata{SessionID: "session-app", CreatedAt: time.Now()}}
	if err := s.SaveSession(ctx, record); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	msgs := []model.PersistedMessage{
		{ID: "msg-1", Role: "user", Content: "one"},
		{ID: "msg-2", Role: "assistant", Content: "two"},
	}
	if err := s.AppendMessages(ctx, "session-app", msgs); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := s.AppendMessages(ctx, "session-app", msgs[:1]); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	loaded, err := s.LoadMessages(ctx, "session-app")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 3 || loaded[2].Content != "one" {
		t.Fatalf("LoadMessages mismatch: %+v", loaded)
	}
}

func TestLoadAllSessionsSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	if err := s.SaveSession(ctx, &model.SessionRecord{
		Metadata: model.SessionMetadata{SessionID: "session-good", CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session-bad.json"), []byte("{broken"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	metas, err := s.LoadAllSessions(ctx)
	if err != nil {
		t.Fatalf("LoadAllSessions: %v", err)
	}
	if len(metas) != 1 || metas[0].SessionID != "session-good" {
		t.Fatalf("LoadAllSessions = %+v, want only session-good", metas)
	}
}

func TestListSessionIDs(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	if err := s.SaveConfig(ctx, &model.ClientConfig{Address: "x", Port: 1}); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	for _, id := range []string{"session-a", "session-b"} {
		if err := s.SaveSession(ctx, &model.SessionRecord{
			Metadata: model.SessionMetadata{SessionID: id, CreatedAt: time.Now()},
		}); err != nil {
			t.Fatalf("SaveSession(%s): %v", id, err)
		}
	}

	ids, err := s.ListSessionIDs(ctx)
	if err != nil {
		t.Fatalf("ListSessionIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListSessionIDs = %v, want 2 ids and no config entry", ids)
	}
}

func TestContextCancellation(t *testing.T) {
	s := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.LoadConfig(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if err := s.SaveSession(ctx, &model.SessionRecord{
		Metadata: model.SessionMetadata{SessionID: "session-x"},
	}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestRejectsUnsafeSessionIDs(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"..", "../escape", "a/b", `a\b`, "id with space", "id.dot"} {
		if _, err := s.SessionExists(ctx, id); err == nil {
			t.Fatalf("SessionExists(%q) accepted an unsafe id", id)
		}
		if _, err := s.LoadSession(ctx, id); err == nil {
			t.Fatalf("LoadSession(%q) accepted an unsafe id", id)
		}
		if _, err := s.DeleteSession(ctx, id); err == nil {
			t.Fatalf("DeleteSession(%q) accepted an unsafe id", id)
		}
		record := &model.SessionRecord{Metadata: model.SessionMetadata{SessionID: id, CreatedAt: time.Now()}}
		if err := s.SaveSession(ctx, record); err == nil {
			t.Fatalf("SaveSession(%q) accepted an unsafe id", id)
		}
	}
}
