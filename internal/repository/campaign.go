package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/postodigital/zapdrip/internal/models"
)

// ErrNoTransition is returned when a contact update would move a
// record out of pending a second time.
var ErrNoTransition = fmt.Errorf("contact is not pending")

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a campaign and its contacts in one transaction.
// Counters start at pending == total, status pending.
func (r *CampaignRepository) Create(c *models.Campaign, contacts []models.Contact) error {
	c.ID = uuid.New().String()
	c.Status = models.StatusPending
	c.TotalContacts = len(contacts)
	c.PendingCount = len(contacts)
	c.SentCount = 0
	c.FailedCount = 0
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO campaigns (id, title, message, mode, delay_min_s, delay_max_s, max_per_hour,
			total_contacts, sent_count, failed_count, pending_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Message, c.Settings.Mode, c.Settings.DelayMinS, c.Settings.DelayMaxS,
		c.Settings.MaxPerHour, c.TotalContacts, c.SentCount, c.FailedCount, c.PendingCount,
		c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO campaign_contacts (id, campaign_id, position, phone, name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range contacts {
		contacts[i].ID = uuid.New().String()
		contacts[i].CampaignID = c.ID
		contacts[i].Position = i
		contacts[i].Status = models.ContactPending
		contacts[i].CreatedAt = c.CreatedAt

		_, err := stmt.Exec(contacts[i].ID, c.ID, i, contacts[i].Phone, contacts[i].Name,
			contacts[i].Status, contacts[i].CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create contact %s: %w", contacts[i].Phone, err)
		}
	}

	return tx.Commit()
}

const campaignColumns = `id, title, message, mode, delay_min_s, delay_max_s, max_per_hour,
	total_contacts, sent_count, failed_count, pending_count, status,
	COALESCE(error_message, ''), started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*models.Campaign, error) {
	c := &models.Campaign{}
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&c.ID, &c.Title, &c.Message, &c.Settings.Mode, &c.Settings.DelayMinS,
		&c.Settings.DelayMaxS, &c.Settings.MaxPerHour, &c.TotalContacts, &c.SentCount,
		&c.FailedCount, &c.PendingCount, &c.Status, &c.ErrorMessage,
		&startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// GetByID returns a campaign by ID, or nil when absent
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	row := r.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	countQuery := "SELECT COUNT(*) FROM campaigns WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		countQuery += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args = []any{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, *c)
	}

	return campaigns, total, nil
}

// GetRunning returns all campaigns with status 'running'
func (r *CampaignRepository) GetRunning() ([]models.Campaign, error) {
	rows, err := r.db.Query(`SELECT ` + campaignColumns + ` FROM campaigns WHERE status = 'running' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}

	return campaigns, nil
}

// UpdateStatus updates campaign status. Entering running stamps
// started_at once; the first terminal state stamps completed_at.
// Non-terminal writes leave an existing completed_at untouched.
func (r *CampaignRepository) UpdateStatus(id string, status models.CampaignStatus) error {
	now := time.Now()
	var startedAt, completedAt *time.Time

	switch {
	case status == models.StatusRunning:
		startedAt = &now
	case status.Terminal():
		completedAt = &now
	}

	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(completed_at, ?), updated_at = ?
		WHERE id = ?`,
		status, startedAt, completedAt, now, id,
	)
	return err
}

// SetErrorMessage records a systemic failure reason without touching status
func (r *CampaignRepository) SetErrorMessage(id, msg string) error {
	_, err := r.db.Exec("UPDATE campaigns SET error_message = ?, updated_at = ? WHERE id = ?",
		msg, time.Now(), id)
	return err
}

// UpdateCounters merges only the provided counter fields. Callers are
// responsible for keeping sent + failed + pending == total.
func (r *CampaignRepository) UpdateCounters(id string, u models.CounterUpdate) error {
	query := "UPDATE campaigns SET updated_at = ?"
	args := []any{time.Now()}

	if u.SentCount != nil {
		query += ", sent_count = ?"
		args = append(args, *u.SentCount)
	}
	if u.FailedCount != nil {
		query += ", failed_count = ?"
		args = append(args, *u.FailedCount)
	}
	if u.PendingCount != nil {
		query += ", pending_count = ?"
		args = append(args, *u.PendingCount)
	}
	if u.ErrorMessage != nil {
		query += ", error_message = ?"
		args = append(args, *u.ErrorMessage)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	_, err := r.db.Exec(query, args...)
	return err
}

// MarkContactSent moves a pending contact to sent and shifts the
// campaign counters in the same transaction, so the sum invariant
// holds for every reader.
func (r *CampaignRepository) MarkContactSent(contactID string) error {
	return r.markContact(contactID, models.ContactSent, "")
}

// MarkContactFailed moves a pending contact to failed with an error
// text (send failures and eligibility skips both land here).
func (r *CampaignRepository) MarkContactFailed(contactID, errorMsg string) error {
	return r.markContact(contactID, models.ContactFailed, errorMsg)
}

func (r *CampaignRepository) markContact(contactID string, status models.ContactStatus, errorMsg string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	var sentAt *time.Time
	if status == models.ContactSent {
		sentAt = &now
	}

	// Guard on status = pending: sent/failed records never move again.
	res, err := tx.Exec(`
		UPDATE campaign_contacts SET status = ?, error = ?, sent_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, errorMsg, sentAt, contactID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoTransition
	}

	counterCol := "failed_count"
	if status == models.ContactSent {
		counterCol = "sent_count"
	}

	_, err = tx.Exec(`
		UPDATE campaigns SET `+counterCol+` = `+counterCol+` + 1,
			pending_count = pending_count - 1, updated_at = ?
		WHERE id = (SELECT campaign_id FROM campaign_contacts WHERE id = ?)`,
		now, contactID,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetPendingContacts returns pending contacts in stored order,
// optionally limited and optionally restricted to specific contact IDs.
func (r *CampaignRepository) GetPendingContacts(campaignID string, limit int, ids []string) ([]models.Contact, error) {
	query := `
		SELECT id, campaign_id, position, phone, COALESCE(name, ''), status, COALESCE(error, ''), sent_at, created_at
		FROM campaign_contacts
		WHERE campaign_id = ? AND status = 'pending'`
	args := []any{campaignID}

	if len(ids) > 0 {
		query += " AND id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	query += " ORDER BY position"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContacts(rows)
}

// ListContacts returns all contacts of a campaign in stored order
func (r *CampaignRepository) ListContacts(campaignID string) ([]models.Contact, error) {
	rows, err := r.db.Query(`
		SELECT id, campaign_id, position, phone, COALESCE(name, ''), status, COALESCE(error, ''), sent_at, created_at
		FROM campaign_contacts
		WHERE campaign_id = ?
		ORDER BY position`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContacts(rows)
}

func scanContacts(rows *sql.Rows) ([]models.Contact, error) {
	contacts := []models.Contact{}
	for rows.Next() {
		var c models.Contact
		var sentAt sql.NullTime

		err := rows.Scan(&c.ID, &c.CampaignID, &c.Position, &c.Phone, &c.Name,
			&c.Status, &c.Error, &sentAt, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		if sentAt.Valid {
			c.SentAt = &sentAt.Time
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// GetStats returns counters aggregated from the contact rows
func (r *CampaignRepository) GetStats(campaignID string) (models.Stats, error) {
	var stats models.Stats

	err := r.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) as pending,
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) as sent,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) as failed
		FROM campaign_contacts WHERE campaign_id = ?`, campaignID,
	).Scan(&stats.Total, &stats.Pending, &stats.Sent, &stats.Failed)

	return stats, err
}
