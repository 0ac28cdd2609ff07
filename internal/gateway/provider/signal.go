package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/jsonutil"
	"tradeloop/internal/resilience"
	"tradeloop/internal/types"
)

const signalSchema = `{
  "type": "object",
  "required": ["action", "confidence"],
  "properties": {
    "action": {"type": "string", "enum": ["buy", "sell", "hold", "long", "short", "close", "BUY", "SELL", "HOLD"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 100},
    "target_price": {"type": "number", "minimum": 0},
    "stop_loss": {"type": "number", "minimum": 0},
    "reasoning": {"type": "string"}
  }
}`

const systemPrompt = `You are a disciplined crypto trading analyst.
Answer with a single JSON object and nothing else:
{"action":"buy|sell|hold","confidence":0..1,"target_price":number,"stop_loss":number,"reasoning":"short text"}`

var compiledSignalSchema = jsonschema.MustCompileString("signal.json", signalSchema)

// AISignalProvider asks a chat model for a signal and validates the answer.
type AISignalProvider struct {
	name   string
	client ChatClient
	nowFn  func() time.Time
}

func NewAISignalProvider(name string, client ChatClient) *AISignalProvider {
	return &AISignalProvider{name: name, client: client, nowFn: time.Now}
}

func (p *AISignalProvider) Name() string { return p.name }

func (p *AISignalProvider) Authenticate(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *AISignalProvider) AnalyzeMarket(ctx context.Context, sample types.MarketSample) (types.TradingSignal, error) {
	if err := sample.Validate(); err != nil {
		return types.TradingSignal{}, err
	}
	user := buildUserPrompt(sample)
	logger.LogSignalRequest(p.name, sample.Symbol, systemPrompt, user, "")
	raw, err := p.client.Complete(ctx, systemPrompt, user)
	if err != nil {
		return types.TradingSignal{}, err
	}
	logger.LogSignalResponse(p.name, sample.Symbol, raw)
	sig, err := parseSignal(raw, sample, p.nowFn())
	if err != nil {
		return types.TradingSignal{}, err
	}
	return sig, nil
}

func buildUserPrompt(s types.MarketSample) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", s.Symbol)
	fmt.Fprintf(&b, "Price: %.8g\n", s.Price)
	fmt.Fprintf(&b, "Volume: %.8g\n", s.Volume)
	if s.High24h > 0 || s.Low24h > 0 {
		fmt.Fprintf(&b, "24h range: %.8g - %.8g\n", s.Low24h, s.High24h)
	}
	if s.Change24h != 0 {
		fmt.Fprintf(&b, "24h change: %.2f%%\n", s.Change24h)
	}
	if s.Bid > 0 && s.Ask > 0 {
		fmt.Fprintf(&b, "Bid/Ask: %.8g / %.8g\n", s.Bid, s.Ask)
	}
	fmt.Fprintf(&b, "Observed at: %s\n", s.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString("Decide whether to buy, sell or hold.")
	return b.String()
}

// parseSignal extracts, schema-checks and normalizes the model answer. A
// missing target price defaults to the sample price.
func parseSignal(raw string, sample types.MarketSample, now time.Time) (types.TradingSignal, error) {
	obj, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return types.TradingSignal{}, invalidResponse("no JSON object in response")
	}
	var doc any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return types.TradingSignal{}, invalidResponse(err.Error())
	}
	if err := compiledSignalSchema.Validate(doc); err != nil {
		return types.TradingSignal{}, invalidResponse(err.Error())
	}
	res := gjson.Parse(obj)
	sig := types.TradingSignal{
		Symbol:      sample.Symbol,
		Action:      types.ParseAction(res.Get("action").String()),
		Confidence:  types.NormalizeConfidence(res.Get("confidence").Float()),
		TargetPrice: res.Get("target_price").Float(),
		StopLoss:    res.Get("stop_loss").Float(),
		Reasoning:   strings.TrimSpace(res.Get("reasoning").String()),
		Timestamp:   now,
	}
	if sig.TargetPrice <= 0 {
		sig.TargetPrice = sample.Price
	}
	if err := sig.Validate(); err != nil {
		return types.TradingSignal{}, err
	}
	return sig, nil
}

func invalidResponse(reason string) error {
	return &resilience.ServiceError{Service: resilience.ServiceAI, Err: fmt.Errorf("invalid signal response: %s", reason)}
}
