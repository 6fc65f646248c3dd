package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"wagate/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testAuthStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.DB(), testLogger())
}

func sampleCredentials() Credentials {
	return Credentials{
		Creds: json.RawMessage(`{"me":{"id":"15550001111:3@s.whatsapp.net","name":"Support"},"registrationId":4711,"noiseKey":{"private":"AAEC","public":"AwQF"},"account":{"details":"Cg=="}}`),
		Keys: KeyMap{
			"pre-key": {
				"1": json.RawMessage(`{"private":"a1","public":"b1"}`),
				"2": json.RawMessage(`{"private":"a2","public":"b2"}`),
			},
			"session": {
				"15550002222.0": json.RawMessage(`{"_sessions":{"BQ==":{"chain":[1,2,3],"pending":null}}}`),
			},
			"app-state-sync-version": {
				"critical_block": json.RawMessage(`{"version":12,"hash":"aGFzaA=="}`),
			},
		},
	}
}

func TestLoad_EmptyForUnknownInstance(t *testing.T) {
	s := testAuthStore(t)

	c, err := s.Load(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Empty() {
		t.Fatal("expected empty credentials")
	}
	if c.Keys == nil || len(c.Keys) != 0 {
		t.Fatalf("expected empty non-nil key map, got %#v", c.Keys)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := testAuthStore(t)
	ctx := context.Background()
	want := sampleCredentials()

	if err := s.Save(ctx, 7, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch\n got: %s\nwant: %s", mustJSON(t, got), mustJSON(t, want))
	}

	// Instances are isolated.
	other, _ := s.Load(ctx, 8)
	if !other.Empty() || len(other.Keys) != 0 {
		t.Fatal("instance 8 should have no credentials")
	}
}

func TestSave_ReplacesKeys(t *testing.T) {
	s := testAuthStore(t)
	ctx := context.Background()

	s.Save(ctx, 1, sampleCredentials())
	replacement := Credentials{
		Creds: json.RawMessage(`{"registrationId":1}`),
		Keys:  KeyMap{"pre-key": {"9": json.RawMessage(`"x"`)}},
	}
	if err := s.Save(ctx, 1, replacement); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Load(ctx, 1)
	if !reflect.DeepEqual(got, replacement) {
		t.Fatalf("expected replacement, got %s", mustJSON(t, got))
	}
}

func TestSaveCreds_KeepsKeys(t *testing.T) {
	s := testAuthStore(t)
	ctx := context.Background()

	s.Save(ctx, 1, sampleCredentials())
	if err := s.SaveCreds(ctx, 1, json.RawMessage(`{"registrationId":2}`)); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Load(ctx, 1)
	if string(got.Creds) != `{"registrationId":2}` {
		t.Fatalf("creds not updated: %s", got.Creds)
	}
	if len(got.Keys["pre-key"]) != 2 {
		t.Fatal("keys should survive a creds update")
	}
}

func TestPurge(t *testing.T) {
	s := testAuthStore(t)
	ctx := context.Background()

	if err := s.Purge(ctx, 3); err != nil {
		t.Fatalf("purge of unknown instance should be a no-op: %v", err)
	}

	s.Save(ctx, 3, sampleCredentials())
	if err := s.Purge(ctx, 3); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Load(ctx, 3)
	if !got.Empty() || len(got.Keys) != 0 {
		t.Fatalf("expected nothing after purge, got %s", mustJSON(t, got))
	}
}

func TestGetKeys_Chunked(t *testing.T) {
	s := testAuthStore(t)
	ctx := context.Background()

	keys := KeyMap{"pre-key": {}}
	var ids []string
	for i := 0; i < 2*keyBatchSize+7; i++ {
		id := fmt.Sprint(i)
		keys["pre-key"][id] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		ids = append(ids, id)
	}
	if err := s.SetKeys(ctx, 1, keys); err != nil {
		t.Fatal(err)
	}

	ids = append(ids, "missing")
	got, err := s.GetKeys(ctx, 1, "pre-key", ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2*keyBatchSize+7 {
		t.Fatalf("expected %d keys, got %d", 2*keyBatchSize+7, len(got))
	}
	if string(got["73"]) != `{"n":73}` {
		t.Fatalf("unexpected value for 73: %s", got["73"])
	}
	if _, ok := got["missing"]; ok {
		t.Fatal("missing id must be absent")
	}

	other, _ := s.GetKeys(ctx, 1, "session", []string{"1"})
	if len(other) != 0 {
		t.Fatal("lookup must be scoped by type")
	}
}

func TestSetKeys_NullDeletes(t *testing.T) {
	s := testAuthStore(t)
	ctx := context.Background()

	s.SetKeys(ctx, 1, KeyMap{"session": {"a": json.RawMessage(`{"x":1}`), "b": json.RawMessage(`{"x":2}`)}})
	if err := s.SetKeys(ctx, 1, KeyMap{"session": {"a": json.RawMessage(`null`), "b": nil}}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetKeys(ctx, 1, "session", []string{"a", "b"})
	if len(got) != 0 {
		t.Fatalf("expected keys deleted, got %v", got)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
