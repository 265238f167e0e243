package web

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/drivebase/internal/debug"
	"github.com/cjeanneret/drivebase/internal/drive"
)

// TelemetryKind is the event level of telemetry pushes.
const TelemetryKind = "telemetry"

// Snapshotter yields the telemetry of every motor.
type Snapshotter interface {
	Snapshot() []drive.Telemetry
}

// Publisher pushes a telemetry snapshot to the broadcaster at a fixed rate.
type Publisher struct {
	b      *StatusBroadcaster
	src    Snapshotter
	period time.Duration
	clock  clock.Clock
}

// NewPublisher creates a publisher. A nil clk uses the wall clock.
func NewPublisher(b *StatusBroadcaster, src Snapshotter, period time.Duration, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{b: b, src: src, period: period, clock: clk}
}

// PublishOnce broadcasts one snapshot, skipping the work when nobody listens.
func (p *Publisher) PublishOnce() {
	if p.b.Subscribers() == 0 {
		return
	}
	if err := p.b.BroadcastData(TelemetryKind, p.src.Snapshot()); err != nil {
		debug.Error(err)
	}
}

// Run publishes until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PublishOnce()
		}
	}
}
