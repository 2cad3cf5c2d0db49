package models

import "time"

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	StatusPending   CampaignStatus = "pending"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusCancelled CampaignStatus = "cancelled"
	StatusError     CampaignStatus = "error"
)

// Terminal reports whether the status stamps completed_at
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// ContactStatus represents the send state of a single contact.
// A contact only moves pending->sent or pending->failed, never back.
type ContactStatus string

const (
	ContactPending ContactStatus = "pending"
	ContactSent    ContactStatus = "sent"
	ContactFailed  ContactStatus = "failed"
)

// Campaign represents one bulk-send campaign
type Campaign struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Message       string         `json:"message"` // raw template, may contain spintax and {{nome}}
	Settings      Settings       `json:"settings"`
	TotalContacts int            `json:"total_contacts"`
	SentCount     int            `json:"sent_count"`
	FailedCount   int            `json:"failed_count"`
	PendingCount  int            `json:"pending_count"`
	Status        CampaignStatus `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Contact represents a single recipient within a campaign
type Contact struct {
	ID         string        `json:"id"`
	CampaignID string        `json:"campaign_id"`
	Position   int           `json:"position"` // stored order drives processing order
	Phone      string        `json:"phone"`    // canonical, post-normalization
	Name       string        `json:"name,omitempty"`
	Status     ContactStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	SentAt     *time.Time    `json:"sent_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Settings holds the throttling parameters of a campaign, immutable after creation
type Settings struct {
	Mode       string `json:"mode" yaml:"mode"` // safe, moderate, fast
	DelayMinS  int    `json:"delay_min_seconds" yaml:"delay_min_seconds"`
	DelayMaxS  int    `json:"delay_max_seconds" yaml:"delay_max_seconds"`
	MaxPerHour int    `json:"max_per_hour" yaml:"max_per_hour"`
}

// Presets maps mode names to their throttling triples
var Presets = map[string]Settings{
	"safe":     {Mode: "safe", DelayMinS: 40, DelayMaxS: 90, MaxPerHour: 40},
	"moderate": {Mode: "moderate", DelayMinS: 20, DelayMaxS: 45, MaxPerHour: 80},
	"fast":     {Mode: "fast", DelayMinS: 8, DelayMaxS: 20, MaxPerHour: 180},
}

// CounterUpdate is a partial update to a campaign's counters;
// only non-nil fields are merged
type CounterUpdate struct {
	SentCount    *int
	FailedCount  *int
	PendingCount *int
	ErrorMessage *string
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Status string
	Limit  int
	Offset int
}

// Stats holds aggregated per-campaign counters as read back from contacts
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
