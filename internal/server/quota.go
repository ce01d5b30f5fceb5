package server

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nattun/relay/internal/protocol"
)

// bandwidthWindow is how often QuotaSweeper checks each session's
// max_bandwidth_mbps cap and resets the per-session counter.
const bandwidthWindow = time.Second

// QuotaSweeper periodically enforces connection_timeout_secs (idle
// PublicConnection closure) and max_bandwidth_mbps (per-session byte-rate
// cap), generalizing the idea of a scheduled maintenance job to the
// relay's own admission limits.
type QuotaSweeper struct {
	sessions          *Registry
	tunnels           *TunnelManager
	connectionTimeout time.Duration
	maxBandwidthMbps  int

	cron *cron.Cron
}

// NewQuotaSweeper builds a sweeper over sessions/tunnels. A zero
// connectionTimeout or maxBandwidthMbps disables that half of the sweep,
// matching the "0 means unlimited" convention used throughout
// internal/config.
func NewQuotaSweeper(sessions *Registry, tunnels *TunnelManager, connectionTimeout time.Duration, maxBandwidthMbps int) *QuotaSweeper {
	return &QuotaSweeper{
		sessions:          sessions,
		tunnels:           tunnels,
		connectionTimeout: connectionTimeout,
		maxBandwidthMbps:  maxBandwidthMbps,
		cron:              cron.New(),
	}
}

// Start schedules the enabled sweeps and begins running them in the
// background. The idle-connection sweep runs at a quarter of the configured
// timeout (never less than a second), so a connection is evicted within one
// sweep interval of crossing the deadline.
func (q *QuotaSweeper) Start() {
	if q.connectionTimeout > 0 {
		interval := q.connectionTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		if _, err := q.cron.AddFunc(fmt.Sprintf("@every %s", interval), q.sweepIdleConnections); err != nil {
			log.Printf("[quota] schedule idle sweep: %v", err)
		}
	}
	if q.maxBandwidthMbps > 0 {
		if _, err := q.cron.AddFunc(fmt.Sprintf("@every %s", bandwidthWindow), q.sweepBandwidth); err != nil {
			log.Printf("[quota] schedule bandwidth sweep: %v", err)
		}
	}
	q.cron.Start()
}

// Stop halts the scheduler. It does not wait for an in-flight sweep.
func (q *QuotaSweeper) Stop() {
	q.cron.Stop()
}

func (q *QuotaSweeper) sweepIdleConnections() {
	q.tunnels.IdleSweepAll(q.connectionTimeout)
}

// sweepBandwidth checks each session's bytes moved over the last window
// against the mbps cap, converted to bytes for that window, and warns the
// client with Error{RateLimitExceeded} on an overage. It does not
// disconnect the session — the spec's admission checks already reject new
// work outright; this sweep is an advisory cap on an already-open stream.
func (q *QuotaSweeper) sweepBandwidth() {
	capBytes := uint64(q.maxBandwidthMbps) * 1_000_000 / 8

	for _, sess := range q.sessions.List() {
		used := sess.ResetBandwidthWindow()
		if used > capBytes {
			sess.send(protocol.Error{Code: protocol.ErrRateLimitExceeded, Message: "max_bandwidth_mbps exceeded"})
		}
	}
}
