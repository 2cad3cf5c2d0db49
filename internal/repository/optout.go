package repository

import (
	"database/sql"
	"time"
)

// OptOutRepository manages the opt-out list and the marketing-consent
// flags consulted by the eligibility filter.
type OptOutRepository struct {
	db *sql.DB
}

func NewOptOutRepository(db *sql.DB) *OptOutRepository {
	return &OptOutRepository{db: db}
}

// Add records an opt-out. Adding an existing phone refreshes the reason.
func (r *OptOutRepository) Add(phone, reason string) error {
	_, err := r.db.Exec(`
		INSERT INTO optouts (phone, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET reason = excluded.reason`,
		phone, reason, time.Now())
	return err
}

// Remove deletes an opt-out entry
func (r *OptOutRepository) Remove(phone string) error {
	_, err := r.db.Exec("DELETE FROM optouts WHERE phone = ?", phone)
	return err
}

// List returns all opted-out phones
func (r *OptOutRepository) List() ([]string, error) {
	rows, err := r.db.Query("SELECT phone FROM optouts ORDER BY phone")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phones := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phones = append(phones, p)
	}
	return phones, nil
}

// OptOutSet returns the opt-out list as a lookup set, taken as a
// snapshot at batch start.
func (r *OptOutRepository) OptOutSet() (map[string]struct{}, error) {
	phones, err := r.List()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(phones))
	for _, p := range phones {
		set[p] = struct{}{}
	}
	return set, nil
}

// SetConsent records whether a phone allows marketing contact
func (r *OptOutRepository) SetConsent(phone string, allowed bool) error {
	_, err := r.db.Exec(`
		INSERT INTO consents (phone, marketing_allowed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET marketing_allowed = excluded.marketing_allowed, updated_at = excluded.updated_at`,
		phone, allowed, time.Now())
	return err
}

// ConsentBlockedSet returns phones explicitly lacking marketing
// consent, as a snapshot for the eligibility filter.
func (r *OptOutRepository) ConsentBlockedSet() (map[string]struct{}, error) {
	rows, err := r.db.Query("SELECT phone FROM consents WHERE marketing_allowed = 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		set[p] = struct{}{}
	}
	return set, nil
}
