package decision

import (
	"context"
	"log"
	"time"

	"aegis/mcp"
)

// Gateway turns a Context into a validated Directive via the inference
// provider. Parse and schema failures come back as
// *mcp.InferenceError{Kind: InvalidDirective}: the caller decides to
// hold, the gateway never substitutes a default action.
type Gateway struct {
	Client *mcp.Client
}

func NewGateway(client *mcp.Client) *Gateway {
	return &Gateway{Client: client}
}

// Result the outcome of one inference call, kept for auditing.
type Result struct {
	Directive   *Directive
	CoTTrace    string
	RawResponse string
	UserPrompt  string
	Elapsed     time.Duration
}

// Decide sends the context and parses the response. The returned Result
// is non-nil even on error so the raw response lands in the cycle record.
func (g *Gateway) Decide(ctx context.Context, dctx *Context) (*Result, error) {
	systemPrompt := dctx.SystemPrompt()
	userPrompt := dctx.UserPrompt()

	start := time.Now()
	raw, err := g.Client.CallWithMessages(ctx, systemPrompt, userPrompt)
	res := &Result{
		RawResponse: raw,
		UserPrompt:  userPrompt,
		Elapsed:     time.Since(start),
	}
	if err != nil {
		return res, err
	}

	d, cot, err := ExtractDirective(raw)
	if err != nil {
		return res, mcp.NewInvalidDirective("response did not contain a parseable directive", err)
	}
	res.CoTTrace = cot

	if d.Instrument == "" {
		d.Instrument = dctx.Instrument
	} else if d.Instrument != dctx.Instrument {
		return res, mcp.NewInvalidDirective(
			"directive names instrument "+d.Instrument+" but context is for "+dctx.Instrument, nil)
	}
	d.IssuedAt = time.Now()

	if err := d.Validate(dctx.Constraints.MaxLeverage); err != nil {
		return res, mcp.NewInvalidDirective("directive failed schema validation", err)
	}

	log.Printf("🤖 %s directive: %s conf=%.2f (%.1fs)",
		dctx.Instrument, d.Action, d.Confidence, res.Elapsed.Seconds())
	res.Directive = d
	return res, nil
}
