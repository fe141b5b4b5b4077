// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package portmapper

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"storj.io/portmapper/mapper"
)

// DefaultRetryInterval is how long the keeper waits after a failed refresh.
const DefaultRetryInterval = time.Minute

// KeeperOption configures a Keeper.
type KeeperOption func(*Keeper)

// WithKeeperLogger sets the keeper's logger.
func WithKeeperLogger(logger logr.Logger) KeeperOption {
	return func(k *Keeper) { k.logger = logger }
}

// WithKeeperClock sets the keeper's time source.
func WithKeeperClock(clk clock.Clock) KeeperOption {
	return func(k *Keeper) { k.clock = clk }
}

// WithRetryInterval replaces DefaultRetryInterval.
func WithRetryInterval(interval time.Duration) KeeperOption {
	return func(k *Keeper) { k.retry = interval }
}

// WithOnRefresh registers a function called after every refresh attempt
// with the mapping as it stands and the refresh error, if any.
func WithOnRefresh(fn func(mapper.MappedPort, error)) KeeperOption {
	return func(k *Keeper) { k.onRefresh = fn }
}

type kept struct {
	mapper   mapper.PortMapper
	mapping  mapper.MappedPort
	lifetime time.Duration
	due      time.Time
}

// Keeper refreshes mappings at half their granted lifetime until they are
// removed. Mappings with a zero lifetime are permanent and never refreshed.
type Keeper struct {
	logger    logr.Logger
	clock     clock.Clock
	retry     time.Duration
	onRefresh func(mapper.MappedPort, error)

	mu      sync.Mutex
	entries []*kept
	wake    chan struct{}
}

// NewKeeper returns a Keeper. Nothing is refreshed until Run is called.
func NewKeeper(opts ...KeeperOption) *Keeper {
	k := &Keeper{
		logger: logr.Discard(),
		clock:  clock.New(),
		retry:  DefaultRetryInterval,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Add starts tracking mapping, made through m. Refreshes ask for lifetime.
func (k *Keeper) Add(m mapper.PortMapper, mapping mapper.MappedPort, lifetime time.Duration) {
	k.mu.Lock()
	k.entries = append(k.entries, &kept{
		mapper:   m,
		mapping:  mapping,
		lifetime: lifetime,
		due:      k.dueAfter(mapping.Lifetime),
	})
	k.mu.Unlock()
	k.poke()
}

// Mappings returns the tracked mappings as last granted.
func (k *Keeper) Mappings() []mapper.MappedPort {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]mapper.MappedPort, 0, len(k.entries))
	for _, e := range k.entries {
		out = append(out, e.mapping)
	}
	return out
}

// Remove stops tracking the mapping with the given type and internal port
// and deletes it from its router.
func (k *Keeper) Remove(ctx context.Context, portType mapper.PortType, internalPort int) error {
	k.mu.Lock()
	var found *kept
	for i, e := range k.entries {
		if e.mapping.PortType == portType && e.mapping.InternalPort == internalPort {
			found = e
			k.entries = append(k.entries[:i], k.entries[i+1:]...)
			break
		}
	}
	k.mu.Unlock()
	if found == nil {
		return nil
	}
	k.poke()
	return found.mapper.UnmapPort(ctx, found.mapping)
}

// Close deletes every tracked mapping from its router.
func (k *Keeper) Close(ctx context.Context) error {
	k.mu.Lock()
	entries := k.entries
	k.entries = nil
	k.mu.Unlock()
	k.poke()

	var group error
	for _, e := range entries {
		group = multierr.Append(group, e.mapper.UnmapPort(ctx, e.mapping))
	}
	return group
}

// Run refreshes mappings as they come due until ctx is canceled.
func (k *Keeper) Run(ctx context.Context) error {
	for {
		wait, ok := k.nextWait()
		var timer *clock.Timer
		var fired <-chan time.Time
		if ok {
			timer = k.clock.Timer(wait)
			fired = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-k.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fired:
			k.refreshDue(ctx)
		}
	}
}

func (k *Keeper) poke() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

func (k *Keeper) dueAfter(lifetime time.Duration) time.Time {
	if lifetime <= 0 {
		return time.Time{}
	}
	return k.clock.Now().Add(lifetime / 2)
}

// nextWait returns how long until the earliest refresh, and false when
// nothing needs refreshing.
func (k *Keeper) nextWait() (time.Duration, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var next time.Time
	for _, e := range k.entries {
		if e.due.IsZero() {
			continue
		}
		if next.IsZero() || e.due.Before(next) {
			next = e.due
		}
	}
	if next.IsZero() {
		return 0, false
	}
	wait := next.Sub(k.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (k *Keeper) refreshDue(ctx context.Context) {
	now := k.clock.Now()
	k.mu.Lock()
	var due []*kept
	for _, e := range k.entries {
		if !e.due.IsZero() && !e.due.After(now) {
			due = append(due, e)
		}
	}
	k.mu.Unlock()

	for _, e := range due {
		k.mu.Lock()
		mapping := e.mapping
		k.mu.Unlock()

		refreshed, err := e.mapper.RefreshPort(ctx, mapping, e.lifetime)

		k.mu.Lock()
		if err != nil {
			k.logger.Info("refresh failed, will retry", "mapper", e.mapper.Name(), "mapping", mapping.String(),
				"retry-in", k.retry.String(), "error", err.Error())
			e.due = k.clock.Now().Add(k.retry)
		} else {
			if refreshed.ExternalPort != mapping.ExternalPort {
				k.logger.Info("router moved mapping", "mapper", e.mapper.Name(),
					"from", mapping.ExternalPort, "to", refreshed.ExternalPort)
			}
			k.logger.V(1).Info("refreshed mapping", "mapper", e.mapper.Name(), "mapping", refreshed.String())
			e.mapping = refreshed
			e.due = k.dueAfter(refreshed.Lifetime)
			mapping = refreshed
		}
		onRefresh := k.onRefresh
		k.mu.Unlock()
		if onRefresh != nil {
			onRefresh(mapping, err)
		}
	}
}
