// Package seedliveness implements the periodic PING loop that keeps each
// configured seed contact connected: on join, each seed is connected once
// and then pinged on a fixed interval until leave.
package seedliveness

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssd-technologies/keepnet/internal/contact"
	"github.com/ssd-technologies/keepnet/internal/overlay"
)

// PingInterval is the period between liveness pings to each seed.
const PingInterval = 60 * time.Second

// Liveness runs one PING ticker per seed contact.
type Liveness struct {
	overlay  *overlay.Overlay
	interval time.Duration
	log      *logrus.Entry

	mu    sync.Mutex
	seeds map[contact.Contact]chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Liveness loop driving pings through o.
func New(o *overlay.Overlay, log *logrus.Entry) *Liveness {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Liveness{
		overlay:  o,
		interval: PingInterval,
		log:      log,
		seeds:    make(map[contact.Contact]chan struct{}),
	}
}

// Start connects to every seed and schedules a PING to it every
// PingInterval. A seed that fails to connect initially is still scheduled:
// seeds are retried indefinitely until Stop, never evicted by a failed
// ping.
func (l *Liveness) Start(ctx context.Context, seeds []contact.Contact) {
	for _, seed := range seeds {
		l.startOne(ctx, seed)
	}
}

func (l *Liveness) startOne(ctx context.Context, seed contact.Contact) {
	if err := l.overlay.Connect(ctx, seed); err != nil {
		l.log.WithError(err).WithField("seed", seed).Debug("seedliveness: initial connect failed, will keep retrying on schedule")
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.seeds[seed] = done
	l.mu.Unlock()

	l.wg.Add(1)
	go l.pingLoop(seed, done)
}

func (l *Liveness) pingLoop(seed contact.Contact, done chan struct{}) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.interval)
			if err := l.overlay.Connect(ctx, seed); err != nil {
				l.log.WithError(err).WithField("seed", seed).Debug("seedliveness: ping failed, retrying next interval")
			}
			cancel()
		case <-done:
			return
		}
	}
}

// Stop cancels every ping timer and waits for in-flight pings to finish.
func (l *Liveness) Stop() {
	l.mu.Lock()
	for _, done := range l.seeds {
		close(done)
	}
	l.seeds = make(map[contact.Contact]chan struct{})
	l.mu.Unlock()
	l.wg.Wait()
}
