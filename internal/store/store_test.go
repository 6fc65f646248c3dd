package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "wagate.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUser(t *testing.T, s *SQLiteStore, name string, limit int64, freq domain.LimitFrequency) *domain.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), domain.NewUser{
		Username: name, Role: domain.RoleAgent, Limit: limit, Frequency: freq,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

// --- Instances ---

func TestInstances_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	inst, err := s.CreateInstance(ctx, "support", 0)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.InstanceStopped {
		t.Fatalf("new instance should be stopped, got %q", inst.Status)
	}

	err = s.UpdateInstanceStatus(ctx, inst.ID, domain.StatusUpdate{
		Status: domain.InstanceReconnecting, LastError: "connection reset",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetInstance(ctx, inst.ID)
	if got.Status != domain.InstanceReconnecting || got.LastError != "connection reset" {
		t.Fatalf("unexpected instance after reconnecting: %+v", got)
	}

	if err := s.UpdateInstanceStatus(ctx, inst.ID, domain.StatusUpdate{Status: domain.InstanceRunning}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetInstance(ctx, inst.ID)
	if got.Status != domain.InstanceRunning || got.LastError != "" {
		t.Fatalf("running should clear last error: %+v", got)
	}

	err = s.UpdateInstanceStatus(ctx, inst.ID, domain.StatusUpdate{
		Status: domain.InstanceStopped, StopReason: domain.StopQRTimeout,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetInstance(ctx, inst.ID)
	if got.StopReason != domain.StopQRTimeout {
		t.Fatalf("expected stop reason qr_timeout, got %q", got.StopReason)
	}

	if err := s.DeleteInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetInstance(ctx, inst.ID); got != nil {
		t.Fatal("instance should be gone")
	}
	if err := s.DeleteInstance(ctx, inst.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetInstance_Missing(t *testing.T) {
	s := testStore(t)
	inst, err := s.GetInstance(context.Background(), 42)
	if err != nil || inst != nil {
		t.Fatalf("expected nil, nil; got %v, %v", inst, err)
	}
}

// --- Users / quota ---

func TestIncrementUsage_WithinWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "alice", 10, domain.FrequencyDaily)

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.IncrementUsage(ctx, u.ID, now); err != nil {
			t.Fatal(err)
		}
	}

	q, err := s.GetUserQuota(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if q.Usage != 3 {
		t.Fatalf("expected usage 3, got %d", q.Usage)
	}
}

func TestIncrementUsage_ResetsElapsedWindow(t *testing.T) {
	tests := []struct {
		freq      domain.LimitFrequency
		later     time.Duration
		wantUsage int64
	}{
		{domain.FrequencyDaily, 25 * time.Hour, 1},
		{domain.FrequencyDaily, 23 * time.Hour, 6},
		{domain.FrequencyMonthly, 32 * 24 * time.Hour, 1},
		{domain.FrequencyMonthly, 10 * 24 * time.Hour, 6},
		{domain.FrequencyUnlimited, 400 * 24 * time.Hour, 6},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%s", tt.freq, tt.later), func(t *testing.T) {
			s := testStore(t)
			ctx := context.Background()
			u := mustUser(t, s, "bob", 100, tt.freq)

			start := time.Now()
			for i := 0; i < 5; i++ {
				if err := s.IncrementUsage(ctx, u.ID, start); err != nil {
					t.Fatal(err)
				}
			}
			later := start.Add(tt.later)
			if err := s.IncrementUsage(ctx, u.ID, later); err != nil {
				t.Fatal(err)
			}

			q, _ := s.GetUserQuota(ctx, u.ID)
			if q.Usage != tt.wantUsage {
				t.Fatalf("expected usage %d, got %d", tt.wantUsage, q.Usage)
			}
			if tt.wantUsage == 1 && (q.LastReset == nil || q.LastReset.Before(later.Add(-time.Second))) {
				t.Fatalf("expected last reset moved to %v, got %v", later, q.LastReset)
			}
		})
	}
}

func TestIncrementUsage_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "carol", 1000, domain.FrequencyDaily)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementUsage(ctx, u.ID, time.Now()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	q, _ := s.GetUserQuota(ctx, u.ID)
	if q.Usage != 50 {
		t.Fatalf("expected 50 increments, got %d", q.Usage)
	}
}

func TestIncrementUsage_UnknownUser(t *testing.T) {
	s := testStore(t)
	if err := s.IncrementUsage(context.Background(), 999, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserStatusAndQuota(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "dave", 10, domain.FrequencyDaily)

	if err := s.SetUserStatus(ctx, u.ID, domain.AccountSuspended); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUserQuota(ctx, u.ID, domain.UnlimitedQuota, domain.FrequencyUnlimited); err != nil {
		t.Fatal(err)
	}
	q, _ := s.GetUserQuota(ctx, u.ID)
	if q.Status != domain.AccountSuspended || q.Limit != domain.UnlimitedQuota || q.Frequency != domain.FrequencyUnlimited {
		t.Fatalf("unexpected quota: %+v", q)
	}

	if q, err := s.GetUserQuota(ctx, 12345); err != nil || q != nil {
		t.Fatalf("expected nil, nil for unknown user; got %v, %v", q, err)
	}
}

// --- Contacts ---

func TestTouchInbound_CreatesAndRefreshes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := time.Now().Add(-2 * time.Hour)
	if err := s.TouchInbound(ctx, "15551234567", first); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetContact(ctx, "15551234567")
	if err != nil || c == nil {
		t.Fatalf("contact not created: %v", err)
	}
	if c.Source != domain.SourceInbound || c.Name != "Unknown 4567" {
		t.Fatalf("unexpected contact: %+v", c)
	}

	second := time.Now()
	if err := s.TouchInbound(ctx, "15551234567", second); err != nil {
		t.Fatal(err)
	}
	// An older event arriving late must not move the window backwards.
	if err := s.TouchInbound(ctx, "15551234567", first); err != nil {
		t.Fatal(err)
	}

	c, _ = s.GetContact(ctx, "15551234567")
	if c.LastInboundAt == nil || c.LastInboundAt.Sub(second.UTC()).Abs() > time.Millisecond {
		t.Fatalf("expected last inbound %v, got %v", second, c.LastInboundAt)
	}
}

func TestTouchInbound_ConcurrentSamePhone(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.TouchInbound(ctx, "4915112345678", time.Now()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	contacts, err := s.ListContacts(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 {
		t.Fatalf("expected exactly one contact, got %d", len(contacts))
	}
}

func TestEnsureContact(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.EnsureContact(ctx, domain.Contact{Phone: "447700900123"})
	if err != nil || !created {
		t.Fatalf("expected created, got %v, %v", created, err)
	}
	created, err = s.EnsureContact(ctx, domain.Contact{Phone: "447700900123", Name: "Other"})
	if err != nil || created {
		t.Fatalf("expected existing, got %v, %v", created, err)
	}

	c, _ := s.GetContact(ctx, "447700900123")
	if c.Name != "Unknown 0123" || c.Source != domain.SourceAuto {
		t.Fatalf("unexpected contact: %+v", c)
	}
}

func TestSetSuppressed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetSuppressed(ctx, "111", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s.EnsureContact(ctx, domain.Contact{Phone: "111"})
	if err := s.SetSuppressed(ctx, "111", true); err != nil {
		t.Fatal(err)
	}
	c, _ := s.GetContact(ctx, "111")
	if !c.Suppressed {
		t.Fatal("expected suppressed contact")
	}
}

func TestImportContacts_AllOrNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.ImportContacts(ctx, []domain.Contact{
		{Phone: "100", Name: "A"},
		{Phone: "", Name: "broken"},
	})
	if err == nil {
		t.Fatal("expected error for contact without phone")
	}
	if c, _ := s.GetContact(ctx, "100"); c != nil {
		t.Fatal("failed import must not leave partial rows")
	}

	n, err := s.ImportContacts(ctx, []domain.Contact{
		{Phone: "100", Name: "A"},
		{Phone: "200", Name: "B", Tags: "vip"},
	})
	if err != nil || n != 2 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}
	c, _ := s.GetContact(ctx, "200")
	if c == nil || c.Source != domain.SourceImport || c.Tags != "vip" {
		t.Fatalf("unexpected imported contact: %+v", c)
	}
}

// --- Templates ---

func TestTemplates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if tpl, err := s.GetTemplate(ctx, "welcome"); err != nil || tpl != nil {
		t.Fatalf("expected nil, nil; got %v, %v", tpl, err)
	}

	if err := s.UpsertTemplate(ctx, domain.Template{Name: "welcome", Body: "Hi {{1}}", VariableCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTemplate(ctx, domain.Template{Name: "welcome", Body: "Hello {{1}}, order {{2}}", VariableCount: 2}); err != nil {
		t.Fatal(err)
	}

	tpl, err := s.GetTemplate(ctx, "welcome")
	if err != nil || tpl == nil {
		t.Fatalf("get template: %v", err)
	}
	if tpl.VariableCount != 2 || tpl.Render([]string{"Ana", "#42"}) != "Hello Ana, order #42" {
		t.Fatalf("unexpected template: %+v", tpl)
	}

	if err := s.DeleteTemplate(ctx, "welcome"); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListTemplates(ctx)
	if len(list) != 0 {
		t.Fatalf("expected no templates, got %d", len(list))
	}
}

// --- Tokens ---

func TestTokens_CreateResolveRevoke(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "erin", 10, domain.FrequencyDaily)

	tok, err := s.CreateToken(ctx, u.ID, "crm", "hash-1", []int64{1, 3})
	if err != nil {
		t.Fatal(err)
	}

	id, err := s.ResolveToken(ctx, "hash-1")
	if err != nil || id == nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.UserID != u.ID || id.Role != domain.RoleAgent || id.AuthType != "api_token" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if len(id.AllowedInstances) != 2 || id.AllowedInstances[0] != 1 || id.AllowedInstances[1] != 3 {
		t.Fatalf("unexpected allowed instances: %v", id.AllowedInstances)
	}

	tokens, _ := s.ListTokens(ctx, u.ID)
	if len(tokens) != 1 || tokens[0].LastUsedAt == nil || len(tokens[0].Instances) != 2 {
		t.Fatalf("unexpected token list: %+v", tokens)
	}

	if err := s.RevokeToken(ctx, tok.ID); err != nil {
		t.Fatal(err)
	}
	if id, err := s.ResolveToken(ctx, "hash-1"); err != nil || id != nil {
		t.Fatalf("revoked token should not resolve: %v, %v", id, err)
	}
}

func TestTokens_UnscopedTokenReachesNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "frank", 10, domain.FrequencyDaily)

	if _, err := s.CreateToken(ctx, u.ID, "empty", "hash-2", nil); err != nil {
		t.Fatal(err)
	}
	id, _ := s.ResolveToken(ctx, "hash-2")
	if id.AllowedInstances == nil || len(id.AllowedInstances) != 0 {
		t.Fatalf("expected empty non-nil scope, got %#v", id.AllowedInstances)
	}
}

// --- Audit ---

func TestAudit_InsertAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	iid := int64(7)

	err := s.InsertAudit(ctx, domain.AuditEntry{
		UserID:     1,
		InstanceID: &iid,
		Action:     "send_blocked",
		Details:    map[string]any{"to": "123", "reason": "QUOTA_EXCEEDED"},
		Severity:   domain.SeverityWarn,
		ActorType:  "user",
		AuthType:   "api_token",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertAudit(ctx, domain.AuditEntry{Action: "create_instance", Severity: domain.SeverityInfo}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListAudit(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	blocked := entries[1]
	if blocked.Action != "send_blocked" || blocked.InstanceID == nil || *blocked.InstanceID != 7 {
		t.Fatalf("unexpected entry: %+v", blocked)
	}
	if blocked.Details["reason"] != "QUOTA_EXCEEDED" || blocked.Severity != domain.SeverityWarn {
		t.Fatalf("unexpected details: %+v", blocked.Details)
	}
	if entries[0].InstanceID != nil {
		t.Fatal("expected nil instance id for admin action")
	}
}
