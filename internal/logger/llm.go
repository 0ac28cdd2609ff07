package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// The signal dump log keeps raw prompt/response pairs exchanged with the AI
// signal provider out of the main log stream.

var (
	signalMu          sync.Mutex
	signalLog         *log.Logger
	signalDumpPayload bool
)

func SetSignalWriter(w io.Writer) {
	signalMu.Lock()
	defer signalMu.Unlock()
	if w == nil {
		signalLog = nil
		return
	}
	signalLog = log.New(w, "", log.LstdFlags)
}

func EnableSignalPayloadDump(enabled bool) {
	signalMu.Lock()
	signalDumpPayload = enabled
	signalMu.Unlock()
}

type dumpSection struct {
	Title string
	Body  string
}

func logSignal(kind, provider, symbol string, sections []dumpSection) {
	signalMu.Lock()
	l := signalLog
	signalMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[SIGNAL]")
	for _, tag := range []string{kind, provider, symbol} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

// LogSignalRequest records the prompt sent for symbol. The raw HTTP payload is
// only included when payload dumping is enabled.
func LogSignalRequest(provider, symbol, systemPrompt, userPrompt, payload string) {
	sections := []dumpSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	}
	signalMu.Lock()
	dump := signalDumpPayload
	signalMu.Unlock()
	if dump && strings.TrimSpace(payload) != "" {
		sections = append(sections, dumpSection{Title: "PAYLOAD", Body: payload})
	}
	logSignal("request", provider, symbol, sections)
}

func LogSignalResponse(provider, symbol, raw string) {
	logSignal("response", provider, symbol, []dumpSection{{Title: "RAW", Body: raw}})
}
