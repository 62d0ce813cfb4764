package engine

import (
	"github.com/foresight/exchange-core/internal/book"
	"github.com/foresight/exchange-core/internal/model"
)

// FanOut delivers engine events to several sinks, e.g. the cluster
// broadcaster and the local WebSocket hub.
type FanOut []Events

// TradeExecuted implements Events.
func (f FanOut) TradeExecuted(t model.Trade) {
	for _, e := range f {
		e.TradeExecuted(t)
	}
}

// DepthChanged implements Events.
func (f FanOut) DepthChanged(snap book.DepthSnapshot) {
	for _, e := range f {
		e.DepthChanged(snap)
	}
}

// StatsChanged implements Events.
func (f FanOut) StatsChanged(st book.Stats) {
	for _, e := range f {
		e.StatsChanged(st)
	}
}
