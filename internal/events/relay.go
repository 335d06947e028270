package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tinoosan/tally/internal/service/balance"
)

// SnapshotPublisher is what the relay forwards to.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snap balance.Snapshot) error
}

// Relay decouples coordinator publishes from the broker. Offer never blocks;
// when the broker is slow only the newest snapshot is sent.
type Relay struct {
	pub SnapshotPublisher
	log *slog.Logger

	mu     sync.Mutex
	latest *balance.Snapshot
	wake   chan struct{}
}

func NewRelay(pub SnapshotPublisher, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{pub: pub, log: log.With("component", "events.relay"), wake: make(chan struct{}, 1)}
}

// Offer queues snap, replacing any snapshot not yet sent. It is safe to pass
// as a balance.Coordinator subscriber.
func (r *Relay) Offer(snap balance.Snapshot) {
	r.mu.Lock()
	if r.latest == nil || snap.Version >= r.latest.Version {
		r.latest = &snap
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) take() (balance.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return balance.Snapshot{}, false
	}
	s := *r.latest
	r.latest = nil
	return s, true
}

// Run forwards snapshots until ctx is done. Publish failures are logged and
// the snapshot is dropped; the next one supersedes it.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		}
		snap, ok := r.take()
		if !ok {
			continue
		}
		if err := r.pub.PublishSnapshot(ctx, snap); err != nil {
			r.log.Warn("publish snapshot", "version", snap.Version, "err", err)
		}
	}
}
