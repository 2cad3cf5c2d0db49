package repository

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/postodigital/zapdrip/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Each pooled connection would otherwise get its own empty :memory: database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			mode TEXT NOT NULL,
			delay_min_s INTEGER NOT NULL,
			delay_max_s INTEGER NOT NULL,
			max_per_hour INTEGER NOT NULL,
			total_contacts INTEGER NOT NULL DEFAULT 0,
			sent_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			pending_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_contacts (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			phone TEXT NOT NULL,
			name TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			sent_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(campaign_id, phone)
		)`,
		`CREATE TABLE IF NOT EXISTS optouts (
			phone TEXT PRIMARY KEY,
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS consents (
			phone TEXT PRIMARY KEY,
			marketing_allowed INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}

	return db
}

func createTestCampaign(t *testing.T, repo *CampaignRepository, phones ...string) *models.Campaign {
	t.Helper()

	contacts := make([]models.Contact, len(phones))
	for i, p := range phones {
		contacts[i] = models.Contact{Phone: p}
	}

	c := &models.Campaign{
		Title:    "Promoção",
		Message:  "Oi {{nome}}!",
		Settings: models.Presets["safe"],
	}
	if err := repo.Create(c, contacts); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return c
}

func TestCreateInitializesCounters(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))

	c := createTestCampaign(t, repo, "5511999990001", "5511999990002", "5511999990003")

	got, err := repo.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil for existing campaign")
	}

	if got.TotalContacts != 3 || got.PendingCount != 3 || got.SentCount != 0 || got.FailedCount != 0 {
		t.Errorf("counters = total %d, pending %d, sent %d, failed %d; want 3/3/0/0",
			got.TotalContacts, got.PendingCount, got.SentCount, got.FailedCount)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("timestamps set on a fresh campaign")
	}
}

func TestGetByIDMissing(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))

	got, err := repo.GetByID("nope")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got != nil {
		t.Errorf("GetByID() = %+v, want nil", got)
	}
}

func TestUpdateStatusStampsTimestamps(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "5511999990001")

	if err := repo.UpdateStatus(c.ID, models.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus(running) error: %v", err)
	}
	got, _ := repo.GetByID(c.ID)
	if got.StartedAt == nil {
		t.Fatal("started_at not stamped on entering running")
	}
	first := *got.StartedAt

	// Pausing and resuming must not move started_at
	if err := repo.UpdateStatus(c.ID, models.StatusPaused); err != nil {
		t.Fatalf("UpdateStatus(paused) error: %v", err)
	}
	if err := repo.UpdateStatus(c.ID, models.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus(running) error: %v", err)
	}
	got, _ = repo.GetByID(c.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(first) {
		t.Errorf("started_at moved on re-entering running: %v -> %v", first, got.StartedAt)
	}

	if err := repo.UpdateStatus(c.ID, models.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus(completed) error: %v", err)
	}
	got, _ = repo.GetByID(c.ID)
	if got.CompletedAt == nil {
		t.Fatal("completed_at not stamped on completion")
	}
	finished := *got.CompletedAt

	// A later non-terminal write must not erase the terminal stamp
	if err := repo.UpdateStatus(c.ID, models.StatusPaused); err != nil {
		t.Fatalf("UpdateStatus(paused) error: %v", err)
	}
	got, _ = repo.GetByID(c.ID)
	if got.CompletedAt == nil || !got.CompletedAt.Equal(finished) {
		t.Errorf("completed_at changed on non-terminal write: %v -> %v", finished, got.CompletedAt)
	}
}

func TestMarkContactKeepsSumInvariant(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "5511999990001", "5511999990002", "5511999990003")

	contacts, err := repo.GetPendingContacts(c.ID, 0, nil)
	if err != nil {
		t.Fatalf("GetPendingContacts() error: %v", err)
	}

	if err := repo.MarkContactSent(contacts[0].ID); err != nil {
		t.Fatalf("MarkContactSent() error: %v", err)
	}
	if err := repo.MarkContactFailed(contacts[1].ID, "numero nao existe no WhatsApp"); err != nil {
		t.Fatalf("MarkContactFailed() error: %v", err)
	}

	got, _ := repo.GetByID(c.ID)
	if got.SentCount != 1 || got.FailedCount != 1 || got.PendingCount != 1 {
		t.Errorf("counters = sent %d, failed %d, pending %d; want 1/1/1",
			got.SentCount, got.FailedCount, got.PendingCount)
	}
	if got.SentCount+got.FailedCount+got.PendingCount != got.TotalContacts {
		t.Errorf("sum invariant broken: %d+%d+%d != %d",
			got.SentCount, got.FailedCount, got.PendingCount, got.TotalContacts)
	}

	stats, err := repo.GetStats(c.ID)
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if stats.Sent != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want sent 1, failed 1, pending 1", stats)
	}
}

func TestMarkContactNoBackwardTransition(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "5511999990001")

	contacts, _ := repo.GetPendingContacts(c.ID, 0, nil)
	if err := repo.MarkContactSent(contacts[0].ID); err != nil {
		t.Fatalf("MarkContactSent() error: %v", err)
	}

	// A second transition of any kind must be refused and counters untouched
	if err := repo.MarkContactFailed(contacts[0].ID, "late failure"); err != ErrNoTransition {
		t.Errorf("second transition error = %v, want ErrNoTransition", err)
	}
	if err := repo.MarkContactSent(contacts[0].ID); err != ErrNoTransition {
		t.Errorf("repeated sent transition error = %v, want ErrNoTransition", err)
	}

	got, _ := repo.GetByID(c.ID)
	if got.SentCount != 1 || got.FailedCount != 0 || got.PendingCount != 0 {
		t.Errorf("counters moved on refused transition: %+v", got)
	}

	list, _ := repo.ListContacts(c.ID)
	if list[0].Status != models.ContactSent {
		t.Errorf("contact status = %q, want sent", list[0].Status)
	}
	if list[0].SentAt == nil {
		t.Error("sent_at not stamped")
	}
}

func TestGetPendingContactsOrderAndLimit(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "5511999990001", "5511999990002", "5511999990003")

	contacts, err := repo.GetPendingContacts(c.ID, 2, nil)
	if err != nil {
		t.Fatalf("GetPendingContacts() error: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("len = %d, want 2", len(contacts))
	}
	if contacts[0].Phone != "5511999990001" || contacts[1].Phone != "5511999990002" {
		t.Errorf("order not preserved: %s, %s", contacts[0].Phone, contacts[1].Phone)
	}
}

func TestGetPendingContactsByID(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "5511999990001", "5511999990002")

	all, _ := repo.GetPendingContacts(c.ID, 0, nil)
	got, err := repo.GetPendingContacts(c.ID, 0, []string{all[1].ID})
	if err != nil {
		t.Fatalf("GetPendingContacts(ids) error: %v", err)
	}
	if len(got) != 1 || got[0].ID != all[1].ID {
		t.Errorf("id filter returned %+v, want just %s", got, all[1].ID)
	}
}

func TestUpdateCountersPartialMerge(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "5511999990001", "5511999990002")

	sent := 1
	pending := 1
	if err := repo.UpdateCounters(c.ID, models.CounterUpdate{SentCount: &sent, PendingCount: &pending}); err != nil {
		t.Fatalf("UpdateCounters() error: %v", err)
	}

	got, _ := repo.GetByID(c.ID)
	if got.SentCount != 1 || got.PendingCount != 1 {
		t.Errorf("merged counters = sent %d, pending %d; want 1/1", got.SentCount, got.PendingCount)
	}
	if got.FailedCount != 0 {
		t.Errorf("failed_count touched by partial merge: %d", got.FailedCount)
	}

	msg := "gateway offline"
	if err := repo.UpdateCounters(c.ID, models.CounterUpdate{ErrorMessage: &msg}); err != nil {
		t.Fatalf("UpdateCounters(error) error: %v", err)
	}
	got, _ = repo.GetByID(c.ID)
	if got.ErrorMessage != msg {
		t.Errorf("error_message = %q, want %q", got.ErrorMessage, msg)
	}
	if got.SentCount != 1 {
		t.Errorf("sent_count touched by error-only merge: %d", got.SentCount)
	}
}

func TestGetRunning(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)

	a := createTestCampaign(t, repo, "5511999990001")
	createTestCampaign(t, repo, "5511999990002")

	if err := repo.UpdateStatus(a.ID, models.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}

	running, err := repo.GetRunning()
	if err != nil {
		t.Fatalf("GetRunning() error: %v", err)
	}
	if len(running) != 1 || running[0].ID != a.ID {
		t.Errorf("GetRunning() = %+v, want only %s", running, a.ID)
	}
}

func TestGetStatsMatchesCounters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)

	c := createTestCampaign(t, repo, "5511999990001", "5511999990002", "5511999990003")
	contacts, _ := repo.GetPendingContacts(c.ID, 0, nil)

	if err := repo.MarkContactSent(contacts[0].ID); err != nil {
		t.Fatalf("MarkContactSent() error: %v", err)
	}
	if err := repo.MarkContactFailed(contacts[1].ID, "numero invalido"); err != nil {
		t.Fatalf("MarkContactFailed() error: %v", err)
	}

	stats, err := repo.GetStats(c.ID)
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if stats.Total != 3 || stats.Sent != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want {3 1 1 1}", stats)
	}

	// The aggregate agrees with the denormalized campaign counters
	got, _ := repo.GetByID(c.ID)
	if got.SentCount != stats.Sent || got.FailedCount != stats.Failed || got.PendingCount != stats.Pending {
		t.Errorf("campaign counters %d/%d/%d disagree with aggregate %d/%d/%d",
			got.SentCount, got.FailedCount, got.PendingCount, stats.Sent, stats.Failed, stats.Pending)
	}
}

func TestOptOutRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOptOutRepository(db)

	if err := repo.Add("5511999990001", "pediu remocao"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := repo.Add("5511999990001", "repetido"); err != nil {
		t.Fatalf("Add() duplicate error: %v", err)
	}
	if err := repo.Add("5511999990002", ""); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	set, err := repo.OptOutSet()
	if err != nil {
		t.Fatalf("OptOutSet() error: %v", err)
	}
	if len(set) != 2 {
		t.Errorf("OptOutSet() len = %d, want 2", len(set))
	}

	if err := repo.Remove("5511999990002"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	set, _ = repo.OptOutSet()
	if _, ok := set["5511999990002"]; ok {
		t.Error("removed phone still in opt-out set")
	}
}

func TestConsentBlockedSet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOptOutRepository(db)

	if err := repo.SetConsent("5511999990001", false); err != nil {
		t.Fatalf("SetConsent() error: %v", err)
	}
	if err := repo.SetConsent("5511999990002", true); err != nil {
		t.Fatalf("SetConsent() error: %v", err)
	}

	blocked, err := repo.ConsentBlockedSet()
	if err != nil {
		t.Fatalf("ConsentBlockedSet() error: %v", err)
	}
	if _, ok := blocked["5511999990001"]; !ok {
		t.Error("phone without consent missing from blocked set")
	}
	if _, ok := blocked["5511999990002"]; ok {
		t.Error("consenting phone present in blocked set")
	}
}
