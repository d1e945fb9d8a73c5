package jwtkit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	core "github.com/open-rails/authbridge/core"
)

// KeyRefresher re-fetches the public key on a cron schedule so long-lived
// services track backend key rotation instead of discovering it through
// verification failures. Nothing runs until Start is called; the cache stays
// caller-driven without it.
type KeyRefresher struct {
	cache    *KeyCache
	schedule string
	timeout  time.Duration
	events   core.EventLogger
	cron     *cron.Cron
	log      *logrus.Entry
}

// RefresherOpt configures a KeyRefresher.
type RefresherOpt func(*KeyRefresher)

// WithRefreshTimeout bounds each scheduled refresh. Default one minute.
func WithRefreshTimeout(d time.Duration) RefresherOpt {
	return func(r *KeyRefresher) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRefreshEvents records refresh outcomes to the sink.
func WithRefreshEvents(ev core.EventLogger) RefresherOpt {
	return func(r *KeyRefresher) { r.events = ev }
}

// NewKeyRefresher validates the cron schedule (e.g. "@every 12h" or
// "0 3 * * *") and prepares a refresher for the cache.
func NewKeyRefresher(cache *KeyCache, schedule string, opts ...RefresherOpt) (*KeyRefresher, error) {
	if cache == nil {
		return nil, fmt.Errorf("key refresher: nil cache")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("key refresher: bad schedule %q: %w", schedule, err)
	}
	r := &KeyRefresher{
		cache:    cache,
		schedule: schedule,
		timeout:  time.Minute,
		log:      logrus.WithField("component", "authbridge.keyrefresher"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start begins the schedule. Call Stop to end it.
func (r *KeyRefresher) Start() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.runOnce); err != nil {
		return fmt.Errorf("key refresher: %w", err)
	}
	c.Start()
	r.cron = c
	r.log.WithField("schedule", r.schedule).Info("key refresher started")
	return nil
}

// Stop ends the schedule and waits for a running refresh to finish.
func (r *KeyRefresher) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
	r.log.Info("key refresher stopped")
}

// runOnce performs one scheduled refresh.
func (r *KeyRefresher) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	_, err := r.cache.Refresh(ctx)
	if r.events != nil {
		ev := core.AuthEvent{Kind: core.EventKeyRefreshed, At: time.Now()}
		if err != nil {
			ev.Err = err.Error()
		}
		if lerr := r.events.LogAuthEvent(ctx, ev); lerr != nil {
			r.log.WithError(lerr).Debug("event sink rejected refresh event")
		}
	}
	if err != nil {
		r.log.WithError(err).Warn("scheduled key refresh failed")
		return
	}
	r.log.Debug("scheduled key refresh complete")
}
