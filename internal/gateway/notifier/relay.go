package notifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/logger"
)

var log = logger.Named("notifier")

// AlertFilter selects events an operator must see: anything critical plus
// the network going offline.
func AlertFilter(e events.Event) bool {
	if e.Critical() {
		return true
	}
	switch e.Type {
	case events.TypeEmergencyStop, events.TypeCircuitOpen, events.TypeAuthFailure, events.TypeRecoveryAbandoned:
		return true
	case events.TypeNetworkStatus:
		return fmt.Sprint(e.Data["status"]) == "offline"
	}
	return false
}

// Relay forwards alert events from the bus to a TextNotifier. Repeats of the
// same type and service inside Quiet are suppressed.
type Relay struct {
	bus      *events.Bus
	notifier TextNotifier
	Quiet    time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	nowFn    func() time.Time
}

func NewRelay(bus *events.Bus, n TextNotifier) *Relay {
	return &Relay{
		bus:      bus,
		notifier: n,
		Quiet:    time.Minute,
		lastSent: make(map[string]time.Time),
		nowFn:    time.Now,
	}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ch, cancel := r.bus.Subscribe(64, AlertFilter)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, evt)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, evt events.Event) {
	if r.suppressed(evt) {
		log.Debugf("suppressed repeat alert %s/%s", evt.Type, evt.Service)
		return
	}
	msg := FormatEvent(evt).RenderMarkdown()
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := r.notifier.SendText(sendCtx, msg); err != nil {
		log.Warnf("alert %s not delivered: %v", evt.Type, err)
	}
}

func (r *Relay) suppressed(evt events.Event) bool {
	key := string(evt.Type) + "/" + evt.Service
	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastSent[key]; ok && r.Quiet > 0 && now.Sub(last) < r.Quiet {
		return true
	}
	r.lastSent[key] = now
	return false
}

var icons = map[events.Type]string{
	events.TypeEmergencyStop:     "🛑",
	events.TypeCircuitOpen:       "⚡",
	events.TypeAuthFailure:       "🔑",
	events.TypeRecoveryAbandoned: "🚨",
	events.TypeNetworkStatus:     "📡",
}

// FormatEvent lays an event out as a StructuredMessage.
func FormatEvent(evt events.Event) StructuredMessage {
	icon := icons[evt.Type]
	if icon == "" {
		icon = "⚠️"
	}
	lines := []string{"Type: " + string(evt.Type), "Severity: " + string(evt.Severity)}
	if evt.Service != "" {
		lines = append(lines, "Service: "+evt.Service)
	}
	secs := []MessageSection{{Title: "Event", Lines: lines}}
	if len(evt.Data) > 0 {
		keys := make([]string, 0, len(evt.Data))
		for k := range evt.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		details := make([]string, 0, len(keys))
		for _, k := range keys {
			details = append(details, fmt.Sprintf("%s: %v", k, evt.Data[k]))
		}
		secs = append(secs, MessageSection{Title: "Details", Lines: details})
	}
	return StructuredMessage{
		Icon:      icon,
		Title:     evt.Message,
		Sections:  secs,
		Timestamp: evt.Time,
	}
}
