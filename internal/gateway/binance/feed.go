package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/convert"
	symbolpkg "tradeloop/internal/pkg/symbol"
	"tradeloop/internal/types"
)

// FeedStats counts websocket churn for the status endpoint.
type FeedStats struct {
	Reconnects      int    `json:"reconnects"`
	SubscribeErrors int    `json:"subscribe_errors"`
	LastError       string `json:"last_error,omitempty"`
}

// SubscribeMarketData streams aggregated trades as samples. The connection is
// re-established with doubling delay until ctx ends or stop is called.
func (e *Exchange) SubscribeMarketData(ctx context.Context, symbols []string, handler func(types.MarketSample)) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("binance feed: nil handler")
	}
	symbolMap := make(map[string]string)
	cleanSymbols := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		normalized := symbolpkg.Normalize(sym)
		if normalized == "" {
			continue
		}
		clean := symbolpkg.Binance.ToExchange(normalized)
		if _, dup := symbolMap[clean]; dup {
			continue
		}
		symbolMap[clean] = normalized
		cleanSymbols = append(cleanSymbols, clean)
	}
	if len(cleanSymbols) == 0 {
		return nil, fmt.Errorf("no valid symbols for trade subscription")
	}
	subCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.tradeCancel != nil {
		e.tradeCancel()
	}
	e.tradeCancel = cancel
	e.mu.Unlock()

	go e.runTradeLoop(subCtx, cleanSymbols, symbolMap, handler)
	return cancel, nil
}

func (e *Exchange) runTradeLoop(ctx context.Context, symbols []string, symbolMap map[string]string, handler func(types.MarketSample)) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		onTrade := func(event *futures.WsAggTradeEvent) {
			sample, ok := convertAggTradeEvent(event)
			if !ok {
				return
			}
			if original, ok := symbolMap[sample.Symbol]; ok {
				sample.Symbol = original
			}
			if ctx.Err() != nil {
				return
			}
			handler(sample)
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedAggTradeServe(symbols, onTrade, errHandler)
		if err != nil {
			e.recordSubscribeError(err)
			logger.Warnf("[binance] aggTrade subscribe failed: %v", err)
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		e.recordReconnect(errCopy)
		logger.Warnf("[binance] aggTrade stream closed, reconnecting: %v", errCopy)
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (e *Exchange) Stats() FeedStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func convertAggTradeEvent(ev *futures.WsAggTradeEvent) (types.MarketSample, bool) {
	if ev == nil {
		return types.MarketSample{}, false
	}
	price := convert.FloatOrZero(ev.Price)
	if price <= 0 {
		return types.MarketSample{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return types.MarketSample{}, false
	}
	ts := ev.TradeTime
	if ts <= 0 {
		ts = ev.Time
	}
	return types.MarketSample{
		Symbol:    symbol,
		Price:     price,
		Volume:    convert.FloatOrZero(ev.Quantity),
		Timestamp: time.UnixMilli(ts),
	}, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (e *Exchange) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	e.statsMu.Lock()
	e.stats.SubscribeErrors++
	e.stats.LastError = err.Error()
	e.statsMu.Unlock()
}

func (e *Exchange) recordReconnect(err error) {
	e.statsMu.Lock()
	e.stats.Reconnects++
	if err != nil && err.Error() != "" {
		e.stats.LastError = err.Error()
	}
	e.statsMu.Unlock()
}
