// Package dispatch contains the campaign dispatch engine: one loop
// that drip-sends a campaign's pending contacts through the gateway,
// and the orchestrator that controls campaign lifecycles.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/postodigital/zapdrip/internal/eligibility"
	"github.com/postodigital/zapdrip/internal/gateway"
	"github.com/postodigital/zapdrip/internal/metrics"
	"github.com/postodigital/zapdrip/internal/models"
	"github.com/postodigital/zapdrip/internal/ratelimit"
	"github.com/postodigital/zapdrip/internal/spintax"
)

var (
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrCampaignNotRunning = errors.New("campaign is not running")
	ErrAlreadyDispatching = errors.New("campaign is already being dispatched")
	ErrGatewayOffline     = errors.New("gateway connectivity check failed")
)

// Store is the slice of the campaign repository the runner needs
type Store interface {
	GetByID(id string) (*models.Campaign, error)
	UpdateStatus(id string, status models.CampaignStatus) error
	SetErrorMessage(id, msg string) error
	MarkContactSent(contactID string) error
	MarkContactFailed(contactID, errorMsg string) error
	GetPendingContacts(campaignID string, limit int, ids []string) ([]models.Contact, error)
}

// Gateway sends messages and probes connectivity
type Gateway interface {
	CheckConnectivity(ctx context.Context) error
	SendText(ctx context.Context, phone, text string) (*gateway.SendResult, error)
}

// EligibilitySource provides the opt-out and consent-blocked
// snapshots taken once per batch start
type EligibilitySource interface {
	OptOutSet() (map[string]struct{}, error)
	ConsentBlockedSet() (map[string]struct{}, error)
}

// HourlyLimiter enforces the campaign's max_per_hour cap
type HourlyLimiter interface {
	Allow(key string, maxPerHour int) *ratelimit.Result
}

// RunOptions selects the drive of a single Run invocation. The
// continuous drive has no contact budget and pauses the campaign on a
// breaker trip; the budgeted drive (HTTP run endpoint) caps contacts
// per invocation and halts the batch leaving status alone, since the
// caller re-invokes it.
type RunOptions struct {
	Budget           int // 0 = process until done
	BreakerThreshold int // consecutive transient failures before tripping
	PauseOnTrip      bool
	ContactIDs       []string      // optional restriction to specific contacts
	DelayMin         time.Duration // 0 = use campaign settings
	DelayMax         time.Duration
}

// ContinuousOptions is the drive used by the background runner
func ContinuousOptions() RunOptions {
	return RunOptions{BreakerThreshold: 5, PauseOnTrip: true}
}

// BudgetedOptions is the drive used by the batch run endpoint
func BudgetedOptions(budget int) RunOptions {
	return RunOptions{Budget: budget, BreakerThreshold: 3, PauseOnTrip: false}
}

// BatchResult summarizes one Run invocation
type BatchResult struct {
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Remaining int  `json:"remaining"`
	Tripped   bool `json:"-"`
}

// Runner executes the per-contact dispatch loop. Messages go out one
// at a time with a randomized delay; there is no parallel send, the
// delay is the anti-spam mechanism.
type Runner struct {
	store    Store
	gw       Gateway
	elig     EligibilitySource
	limiter  HourlyLimiter
	resolver *spintax.Resolver
	met      *metrics.Metrics
	logger   *slog.Logger

	delayTick time.Duration // granularity of interruptible waits

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRunner creates a dispatch runner
func NewRunner(store Store, gw Gateway, elig EligibilitySource, limiter HourlyLimiter, met *metrics.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		store:     store,
		gw:        gw,
		elig:      elig,
		limiter:   limiter,
		resolver:  spintax.New(nil),
		met:       met,
		logger:    logger.With("component", "dispatch"),
		delayTick: time.Second,
		inflight:  make(map[string]struct{}),
	}
}

// Run executes one dispatch invocation for a campaign. The campaign
// must already be in status running; at most one invocation per
// campaign may be active at a time.
func (r *Runner) Run(ctx context.Context, campaignID string, opts RunOptions) (*BatchResult, error) {
	if !r.acquire(campaignID) {
		return nil, ErrAlreadyDispatching
	}
	defer r.release(campaignID)

	c, err := r.store.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}
	if c.Status != models.StatusRunning {
		return nil, fmt.Errorf("%w: status %s", ErrCampaignNotRunning, c.Status)
	}

	logger := r.logger.With("campaign_id", c.ID)

	// Connectivity pre-check. Failure is not terminal: record the
	// reason, leave status untouched, let the next invocation retry.
	if err := r.gw.CheckConnectivity(ctx); err != nil {
		logger.Warn("connectivity check failed", "error", err)
		if serr := r.store.SetErrorMessage(c.ID, err.Error()); serr != nil {
			logger.Error("failed to record connectivity error", "error", serr)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayOffline, err)
	}

	// Snapshots taken once per batch; staleness within the batch is accepted.
	optOut, err := r.elig.OptOutSet()
	if err != nil {
		return nil, fmt.Errorf("load opt-out list: %w", err)
	}
	blocked, err := r.elig.ConsentBlockedSet()
	if err != nil {
		return nil, fmt.Errorf("load consent flags: %w", err)
	}
	filter := eligibility.New(optOut, blocked)

	contacts, err := r.store.GetPendingContacts(c.ID, opts.Budget, opts.ContactIDs)
	if err != nil {
		return nil, fmt.Errorf("load pending contacts: %w", err)
	}

	r.met.CampaignsRunning.Inc()
	defer r.met.CampaignsRunning.Dec()

	result := &BatchResult{}
	consecutiveFailures := 0

	logger.Info("dispatch batch started", "pending", len(contacts), "budget", opts.Budget)

	for i, contact := range contacts {
		// Abort check: an external pause/cancel, seen either through
		// our context or through the stored status, stops the loop
		// with partial progress retained.
		if ctx.Err() != nil {
			logger.Info("dispatch aborted", "processed", i)
			break
		}
		current, err := r.store.GetByID(c.ID)
		if err != nil {
			return result, fmt.Errorf("re-read campaign: %w", err)
		}
		if current == nil || current.Status != models.StatusRunning {
			logger.Info("campaign status changed externally, stopping", "processed", i)
			break
		}

		// Eligibility: a skip is terminal, counted as failed with a
		// distinguishing reason, and consumes no delay.
		if allowed, reason := filter.Check(contact.Phone); !allowed {
			if err := r.store.MarkContactFailed(contact.ID, reason.Error()); err != nil {
				logger.Error("failed to record skip", "contact_id", contact.ID, "error", err)
			}
			r.met.MessagesSkippedTotal.WithLabelValues(string(reason)).Inc()
			result.Skipped++
			logger.Debug("contact skipped", "phone", contact.Phone, "reason", reason)
			continue
		}

		// Hourly cap. The continuous drive waits out the window; the
		// budgeted drive ends the batch and reports the remainder.
		if res := r.limiter.Allow(c.ID, c.Settings.MaxPerHour); !res.Allowed {
			r.met.HourlyCapHitsTotal.Inc()
			if opts.Budget > 0 {
				logger.Info("hourly cap reached, ending batch", "retry_after", res.RetryAfter)
				break
			}
			logger.Info("hourly cap reached, waiting", "retry_after", res.RetryAfter)
			if !r.wait(ctx, res.RetryAfter) {
				break
			}
			// Window reset; re-check before sending.
			if res := r.limiter.Allow(c.ID, c.Settings.MaxPerHour); !res.Allowed {
				break
			}
		}

		text := r.resolver.Render(c.Message, contact.Name)

		start := time.Now()
		sendRes, sendErr := r.gw.SendText(ctx, contact.Phone, text)
		r.met.SendDurationSeconds.Observe(time.Since(start).Seconds())

		if sendErr != nil {
			// A send cut short by pause/cancel is not a delivery
			// failure: the contact stays pending for the next run.
			if ctx.Err() != nil {
				logger.Info("dispatch aborted mid-send", "processed", i)
				break
			}
			transient := gateway.IsTransient(sendErr)
			if err := r.store.MarkContactFailed(contact.ID, sendErr.Error()); err != nil {
				logger.Error("failed to record failure", "contact_id", contact.ID, "error", err)
			}
			result.Failed++

			kind := "permanent"
			if transient {
				kind = "transient"
				consecutiveFailures++
			}
			r.met.MessagesFailedTotal.WithLabelValues(kind).Inc()
			logger.Warn("send failed", "phone", contact.Phone, "kind", kind, "error", sendErr)

			if consecutiveFailures >= opts.BreakerThreshold {
				r.tripBreaker(c.ID, consecutiveFailures, opts, logger)
				result.Tripped = true
				break
			}
		} else {
			if err := r.store.MarkContactSent(contact.ID); err != nil {
				logger.Error("failed to record success", "contact_id", contact.ID, "error", err)
			}
			consecutiveFailures = 0
			result.Sent++
			r.met.MessagesSentTotal.Inc()
			logger.Debug("message sent", "phone", contact.Phone, "message_id", sendRes.MessageID)
		}

		// Randomized inter-message delay, skipped after the last contact.
		if i < len(contacts)-1 {
			if !r.wait(ctx, r.delay(c, opts)) {
				break
			}
		}
	}

	final, err := r.store.GetByID(c.ID)
	if err != nil {
		return result, fmt.Errorf("read final state: %w", err)
	}
	if final != nil {
		result.Remaining = final.PendingCount
		if final.PendingCount == 0 && final.Status == models.StatusRunning {
			if err := r.store.UpdateStatus(c.ID, models.StatusCompleted); err != nil {
				logger.Error("failed to mark campaign completed", "error", err)
			} else {
				logger.Info("campaign completed", "sent", final.SentCount, "failed", final.FailedCount)
			}
		}
	}

	return result, nil
}

func (r *Runner) tripBreaker(campaignID string, failures int, opts RunOptions, logger *slog.Logger) {
	r.met.BreakerTripsTotal.Inc()
	msg := fmt.Sprintf("circuit breaker: %d consecutive transport failures", failures)
	logger.Error("circuit breaker tripped", "consecutive_failures", failures, "pausing", opts.PauseOnTrip)

	if err := r.store.SetErrorMessage(campaignID, msg); err != nil {
		logger.Error("failed to record breaker trip", "error", err)
	}
	if opts.PauseOnTrip {
		if err := r.store.UpdateStatus(campaignID, models.StatusPaused); err != nil {
			logger.Error("failed to pause campaign", "error", err)
		}
	}
}

// delay draws a fresh random inter-message delay for each send
func (r *Runner) delay(c *models.Campaign, opts RunOptions) time.Duration {
	min := time.Duration(c.Settings.DelayMinS) * time.Second
	max := time.Duration(c.Settings.DelayMaxS) * time.Second
	if opts.DelayMin > 0 {
		min = opts.DelayMin
	}
	if opts.DelayMax > 0 {
		max = opts.DelayMax
	}
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// wait sleeps for d in short ticks so pause/cancel resolves within
// about one tick, not the whole delay. Returns false when aborted.
func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	deadline := time.Now().Add(d)
	ticker := time.NewTicker(r.delayTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				return true
			}
		}
	}
}

func (r *Runner) acquire(campaignID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[campaignID]; busy {
		return false
	}
	r.inflight[campaignID] = struct{}{}
	return true
}

func (r *Runner) release(campaignID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, campaignID)
}
