// Package cost tracks cumulative token usage and estimated spend for a run.
// Counters are monotonic: once recorded, usage is never subtracted. The
// safety guard reads the running total to enforce the cost ceiling.
package cost

import (
	"fmt"
	"sync"

	"github.com/ralph-orchestrator/ralph/internal/token"
)

// Pricing is USD per one million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing maps adapter tags to their pricing. Values follow published
// per-1M-token rates for each provider's default coding model; qchat and acp
// default to the claude rates since both typically front Anthropic models.
var defaultPricing = map[string]Pricing{
	"claude": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"gemini": {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"qchat":  {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"acp":    {InputPerMTok: 3.00, OutputPerMTok: 15.00},
}

// Usage is one iteration's worth of reported usage. Nil fields mean the
// adapter did not report that quantity.
type Usage struct {
	TokensIn  *int64
	TokensOut *int64
	// Cost, when set, is used verbatim instead of the pricing table.
	Cost *float64
	// Output is the raw agent output, used to estimate output tokens when
	// the adapter reports none.
	Output string
}

// Record is the outcome of recording one usage sample.
type Record struct {
	// Cost is the USD amount attributed to this sample.
	Cost float64
	// Estimated is true when token counts were estimated from output text
	// rather than reported by the adapter.
	Estimated bool
	// Warning is non-empty when usage information was missing or partial.
	Warning string
}

// Tracker accumulates usage across iterations.
type Tracker struct {
	mu        sync.Mutex
	pricing   map[string]Pricing
	tokensIn  int64
	tokensOut int64
	total     float64
}

// NewTracker creates a tracker with the default pricing table.
func NewTracker() *Tracker {
	return &Tracker{pricing: defaultPricing}
}

// NewTrackerWithPricing creates a tracker with a custom pricing table,
// used in tests and by deployments with negotiated rates.
func NewTrackerWithPricing(pricing map[string]Pricing) *Tracker {
	return &Tracker{pricing: pricing}
}

// Add records usage for one iteration against the given adapter tag and
// returns what was attributed. Exactly one pricing entry is consulted.
func (t *Tracker) Add(agent string, u Usage) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rec Record

	in, out := int64(0), int64(0)
	switch {
	case u.TokensIn != nil && u.TokensOut != nil:
		in, out = *u.TokensIn, *u.TokensOut
	case u.TokensOut != nil:
		out = *u.TokensOut
		rec.Warning = "adapter reported no input token count; treating as zero"
	case u.TokensIn != nil:
		in = *u.TokensIn
		rec.Warning = "adapter reported no output token count; treating as zero"
	case u.Output != "":
		// No counts at all: estimate output tokens from the captured text so
		// the cost ceiling still sees pressure from verbose agents.
		out = int64(token.Count(u.Output))
		rec.Estimated = true
		rec.Warning = fmt.Sprintf("adapter reported no token counts; estimated %d output tokens", out)
	default:
		rec.Warning = "adapter reported no token counts and produced no output"
	}

	t.tokensIn += in
	t.tokensOut += out

	if u.Cost != nil {
		rec.Cost = *u.Cost
	} else {
		p := t.pricing[agent]
		rec.Cost = float64(in)/1e6*p.InputPerMTok + float64(out)/1e6*p.OutputPerMTok
	}
	if rec.Cost < 0 {
		// A negative reported cost would break the monotonic invariant.
		rec.Warning = fmt.Sprintf("adapter reported negative cost %.4f; ignored", rec.Cost)
		rec.Cost = 0
	}
	t.total += rec.Cost

	return rec
}

// Total returns the cumulative estimated cost in USD.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Tokens returns cumulative input and output token counts.
func (t *Tracker) Tokens() (in, out int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokensIn, t.tokensOut
}
