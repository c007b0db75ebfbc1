package engine

import (
	"context"
	"log/slog"
	"sync"
)

// DiscoveryMux fans the events of several DiscoveryProvider instances into
// one stream of PeerRecords feeding the Address Book, and broadcasts local
// address changes out to every provider (spec §4.3).
//
// A provider that reports an error or closes its event channel never
// terminates the mux for the others — each provider's pump is isolated
// (invariant 6).
type DiscoveryMux struct {
	providers []DiscoveryProvider
	book      *AddressBook
	networkID NetworkID
	metrics   *Metrics
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscoveryMux constructs a mux over providers. Call Start to begin
// fanning events in.
func NewDiscoveryMux(providers []DiscoveryProvider, book *AddressBook, networkID NetworkID, metrics *Metrics, logger *slog.Logger) *DiscoveryMux {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryMux{
		providers: providers,
		book:      book,
		networkID: networkID,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start subscribes to every provider and begins fanning their events into
// the Address Book. It returns immediately; call Stop to tear down.
func (m *DiscoveryMux) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, p := range m.providers {
		m.wg.Add(1)
		go m.pump(ctx, p)
	}
}

func (m *DiscoveryMux) pump(ctx context.Context, p DiscoveryProvider) {
	defer m.wg.Done()

	events, err := p.Subscribe(ctx, m.networkID)
	if err != nil {
		m.logger.Error("discovery provider subscribe failed", "provider", p.Name(), "error", err)
		m.recordResult(p.Name(), "subscribe_error")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Info("discovery provider closed its event stream", "provider", p.Name())
				return
			}
			if ev.Err != nil {
				m.logger.Warn("discovery provider reported an error", "provider", p.Name(), "error", ev.Err)
				m.recordResult(p.Name(), "error")
				continue
			}
			m.book.InsertOrMerge(ev.Record)
			m.recordResult(p.Name(), "ok")
		}
	}
}

func (m *DiscoveryMux) recordResult(provider, result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.DiscoveryEventsTotal.WithLabelValues(provider, result).Inc()
}

// UpdateLocalAddress pushes the local node's current address to every
// provider, so e.g. mDNS can re-announce and DHT can re-provide.
func (m *DiscoveryMux) UpdateLocalAddress(ctx context.Context, addr NodeAddr) {
	for _, p := range m.providers {
		if err := p.UpdateLocalAddress(ctx, addr); err != nil {
			m.logger.Warn("updating local address with discovery provider failed", "provider", p.Name(), "error", err)
		}
	}
}

// Stop cancels every provider pump and waits for them to exit.
func (m *DiscoveryMux) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
