package app

import (
	"fmt"
	"strings"

	"tradeloop/internal/risk"
)

type StartupSummary struct {
	Exchange  string
	Provider  string
	Symbols   []string
	Snapshot  string
	Journal   string
	HTTPAddr  string
	Telegram  bool
	AutoStart bool
	Limits    risk.Limits
}

func (s *StartupSummary) Print() {
	fmt.Print(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	title := "STARTUP SUMMARY"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	b.WriteString("[VENUE]\n")
	fmt.Fprintf(&b, "  exchange:   %s\n", orDash(s.Exchange))
	fmt.Fprintf(&b, "  ai:         %s\n", orDash(s.Provider))
	fmt.Fprintf(&b, "  symbols:    %s\n", formatList(s.Symbols))
	fmt.Fprintf(&b, "  auto start: %v\n", s.AutoStart)
	b.WriteString("\n")

	b.WriteString("[RISK LIMITS]\n")
	fmt.Fprintf(&b, "  max position size: %.2f\n", s.Limits.MaxPositionSize)
	fmt.Fprintf(&b, "  max open:          %d\n", s.Limits.MaxOpenPositions)
	fmt.Fprintf(&b, "  max daily loss:    %.2f\n", s.Limits.MaxDailyLoss)
	fmt.Fprintf(&b, "  stop loss:         %.2f%%\n", s.Limits.StopLossPercentage)
	fmt.Fprintf(&b, "  min trade value:   %.2f\n", s.Limits.MinTradeValue)
	fmt.Fprintf(&b, "  safety checks:     %v\n", s.Limits.SafetyEnabled)
	b.WriteString("\n")

	b.WriteString("[PERSISTENCE & SURFACE]\n")
	fmt.Fprintf(&b, "  snapshot:  %s\n", orDash(s.Snapshot))
	fmt.Fprintf(&b, "  journal:   %s\n", orDash(s.Journal))
	fmt.Fprintf(&b, "  http:      %s\n", orDash(s.HTTPAddr))
	fmt.Fprintf(&b, "  telegram:  %v\n", s.Telegram)
	b.WriteString(strings.Repeat("=", 80) + "\n")
	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
