package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/postodigital/zapdrip/internal/models"
	"github.com/postodigital/zapdrip/internal/phone"
)

var (
	ErrAnotherCampaignRunning = errors.New("another campaign is already running")
	ErrNoValidContacts        = errors.New("contact list is empty after normalization")
	ErrEmptyMessage           = errors.New("message template is required")
	ErrNotStartable           = errors.New("campaign cannot be started from its current status")
	ErrNotStoppable           = errors.New("campaign already finished")
)

// ContactInput is a raw contact entry supplied at campaign creation
type ContactInput struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// CampaignStore is the repository surface the orchestrator needs on
// top of the runner's Store
type CampaignStore interface {
	Store
	Create(c *models.Campaign, contacts []models.Contact) error
	List(filter models.CampaignListFilter) ([]models.Campaign, int, error)
	GetRunning() ([]models.Campaign, error)
	ListContacts(campaignID string) ([]models.Contact, error)
	GetStats(campaignID string) (models.Stats, error)
}

// Orchestrator is the control surface over campaigns: creation,
// start/pause/cancel, the single-running-campaign invariant, and the
// reconciliation loop that keeps the dispatch loop attached to
// whatever campaign is stored as running.
type Orchestrator struct {
	campaigns    CampaignStore
	runner       *Runner
	logger       *slog.Logger
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(campaigns CampaignStore, runner *Runner, pollInterval time.Duration, logger *slog.Logger) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		campaigns:    campaigns,
		runner:       runner,
		logger:       logger.With("component", "orchestrator"),
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Start launches the reconciliation loop
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.reconcileLoop()
	o.logger.Info("orchestrator started", "poll_interval", o.pollInterval)
}

// Stop aborts in-flight dispatch and waits for goroutines to drain
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator...")
	o.cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// reconcileLoop re-reads the store on an interval instead of trusting
// in-memory state, so status changes made by other writers (another
// instance, the batch endpoint, an operator) converge onto a runner.
func (o *Orchestrator) reconcileLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.reconcile()
		}
	}
}

func (o *Orchestrator) reconcile() {
	running, err := o.campaigns.GetRunning()
	if err != nil {
		o.logger.Error("failed to list running campaigns", "error", err)
		return
	}

	for _, c := range running {
		o.launch(c.ID)
	}
}

// launch attaches a continuous dispatch loop to a running campaign.
// The runner's own single-flight guard makes duplicate launches cheap
// no-ops, but tracking the cancel func here keeps pause latency low.
func (o *Orchestrator) launch(campaignID string) {
	o.mu.Lock()
	if _, active := o.cancels[campaignID]; active {
		o.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(o.ctx)
	o.cancels[campaignID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, campaignID)
			o.mu.Unlock()
		}()

		_, err := o.runner.Run(runCtx, campaignID, ContinuousOptions())
		if err != nil && !errors.Is(err, ErrAlreadyDispatching) {
			o.logger.Warn("dispatch run ended with error", "campaign_id", campaignID, "error", err)
		}
	}()
}

// CreateCampaign validates, normalizes and stores a new campaign.
// Invalid phones are dropped; duplicates collapse onto the first
// occurrence of each canonical number.
func (o *Orchestrator) CreateCampaign(title, message string, entries []ContactInput, settings *models.Settings) (*models.Campaign, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	seen := make(map[string]struct{}, len(entries))
	contacts := make([]models.Contact, 0, len(entries))
	for _, e := range entries {
		canonical, ok := phone.Normalize(e.Phone)
		if !ok {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		contacts = append(contacts, models.Contact{Phone: canonical, Name: strings.TrimSpace(e.Name)})
	}

	if len(contacts) == 0 {
		return nil, ErrNoValidContacts
	}

	resolved := resolveSettings(settings)

	c := &models.Campaign{
		Title:    strings.TrimSpace(title),
		Message:  message,
		Settings: resolved,
	}
	if err := o.campaigns.Create(c, contacts); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	o.logger.Info("campaign created", "campaign_id", c.ID, "contacts", len(contacts), "mode", resolved.Mode)
	return c, nil
}

// resolveSettings applies the named preset and then any explicit
// overrides; settings are immutable after creation.
func resolveSettings(s *models.Settings) models.Settings {
	if s == nil {
		return models.Presets["safe"]
	}

	base, ok := models.Presets[s.Mode]
	if !ok {
		base = models.Presets["safe"]
		base.Mode = "safe"
	}
	if s.DelayMinS > 0 {
		base.DelayMinS = s.DelayMinS
	}
	if s.DelayMaxS > 0 {
		base.DelayMaxS = s.DelayMaxS
	}
	if base.DelayMaxS < base.DelayMinS {
		base.DelayMaxS = base.DelayMinS
	}
	if s.MaxPerHour > 0 {
		base.MaxPerHour = s.MaxPerHour
	}
	return base
}

// StartCampaign flips a campaign to running and attaches the dispatch
// loop. At most one campaign may run system-wide: two interleaved
// campaigns against the same gateway defeat the throttling.
func (o *Orchestrator) StartCampaign(id string) error {
	c, err := o.campaigns.GetByID(id)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return ErrCampaignNotFound
	}

	switch c.Status {
	case models.StatusPending, models.StatusPaused, models.StatusError:
		// startable
	case models.StatusRunning:
		return nil // already running, idempotent
	default:
		return fmt.Errorf("%w: %s", ErrNotStartable, c.Status)
	}

	running, err := o.campaigns.GetRunning()
	if err != nil {
		return fmt.Errorf("check running campaigns: %w", err)
	}
	for _, other := range running {
		if other.ID != id {
			return fmt.Errorf("%w: %s (%s)", ErrAnotherCampaignRunning, other.Title, other.ID)
		}
	}

	if err := o.campaigns.UpdateStatus(id, models.StatusRunning); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	// A resume invalidates whatever reason stopped the previous run
	if c.ErrorMessage != "" {
		if err := o.campaigns.SetErrorMessage(id, ""); err != nil {
			o.logger.Warn("failed to clear error message", "campaign_id", id, "error", err)
		}
	}

	o.logger.Info("campaign started", "campaign_id", id)
	o.launch(id)
	return nil
}

// PauseCampaign raises the abort signal and stores the paused status.
// Contacts already sent or failed are retained; pending ones stay
// pending for a future resume.
func (o *Orchestrator) PauseCampaign(id string) error {
	return o.stop(id, models.StatusPaused)
}

// CancelCampaign raises the abort signal and stores the terminal
// cancelled status.
func (o *Orchestrator) CancelCampaign(id string) error {
	return o.stop(id, models.StatusCancelled)
}

func (o *Orchestrator) stop(id string, status models.CampaignStatus) error {
	c, err := o.campaigns.GetByID(id)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return ErrCampaignNotFound
	}
	// Terminal states never move again; rewinding a completed campaign
	// to paused would make it startable.
	if c.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotStoppable, c.Status)
	}

	// Abort signal first so the in-flight iteration stops promptly,
	// then the durable status change.
	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
	}
	o.mu.Unlock()

	if err := o.campaigns.UpdateStatus(id, status); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	o.logger.Info("campaign stopped", "campaign_id", id, "status", status)
	return nil
}

// GetCampaign returns a campaign, or nil when absent
func (o *Orchestrator) GetCampaign(id string) (*models.Campaign, error) {
	return o.campaigns.GetByID(id)
}

// ListCampaigns returns campaigns with optional filtering
func (o *Orchestrator) ListCampaigns(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	return o.campaigns.List(filter)
}

// ListContacts returns a campaign's contacts in stored order
func (o *Orchestrator) ListContacts(campaignID string) ([]models.Contact, error) {
	return o.campaigns.ListContacts(campaignID)
}

// CampaignStats aggregates a campaign's counters from the contact rows
func (o *Orchestrator) CampaignStats(campaignID string) (models.Stats, error) {
	return o.campaigns.GetStats(campaignID)
}
