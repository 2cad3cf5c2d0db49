// Package ratelimit enforces per-campaign hourly send caps with
// counters persisted across restarts.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCounters = []byte("hourly_counters")

// Counter tracks sends within the current hour window
type Counter struct {
	Count     int       `json:"count"`
	HourStart time.Time `json:"hour_start"`
}

// Result of an Allow check
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // time until the hour window resets, when denied
}

// Limiter tracks hour-window send counters per campaign, persisted in
// BoltDB so a restart does not forget the current window.
type Limiter struct {
	db            *bolt.DB
	counters      map[string]*Counter
	mu            sync.Mutex
	stopCh        chan struct{}
	flushInterval time.Duration
}

// NewLimiter opens the limiter over an existing bolt database
func NewLimiter(db *bolt.DB, flushInterval time.Duration) (*Limiter, error) {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create counters bucket: %w", err)
	}

	l := &Limiter{
		db:            db,
		counters:      make(map[string]*Counter),
		stopCh:        make(chan struct{}),
		flushInterval: flushInterval,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow checks the hourly cap for the given key and increments the
// counter when allowed. maxPerHour <= 0 means unlimited.
func (l *Limiter) Allow(key string, maxPerHour int) *Result {
	if maxPerHour <= 0 {
		return &Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	counter, ok := l.counters[key]
	if !ok {
		counter = &Counter{HourStart: now}
		l.counters[key] = counter
	}

	if now.Sub(counter.HourStart) >= time.Hour {
		counter.Count = 0
		counter.HourStart = now
	}

	if counter.Count >= maxPerHour {
		return &Result{
			Allowed:    false,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}

	counter.Count++
	return &Result{Allowed: true}
}

// Close stops the persistence loop and flushes counters
func (l *Limiter) Close() error {
	close(l.stopCh)
	return l.flush()
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *Limiter) flush() error {
	l.mu.Lock()
	snapshot := make(map[string]Counter, len(l.counters))
	for k, c := range l.counters {
		snapshot[k] = *c
	}
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		for key, counter := range snapshot {
			data, err := json.Marshal(counter)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		return b.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // skip corrupt entries
			}
			// Windows older than an hour are stale; start fresh on demand
			if time.Since(counter.HourStart) >= time.Hour {
				return nil
			}
			c := counter
			l.counters[string(k)] = &c
			return nil
		})
	})
}
