package llm

import (
	"context"

	"github.com/rs/zerolog/log"

	"kilo/internal/persistence"
)

// Attribution ties one gateway call to the user, bot, session, and message
// it served.
type Attribution struct {
	UserID    string
	BotID     *string
	SessionID *string
	MessageID *string
}

type attributionKey struct{}

// WithAttribution attaches the attribution to the context. The context is a
// per-call carrier: concurrent requests never observe each other's values.
func WithAttribution(ctx context.Context, a Attribution) context.Context {
	return context.WithValue(ctx, attributionKey{}, a)
}

// AttributionFrom extracts the attribution, if any.
func AttributionFrom(ctx context.Context) (Attribution, bool) {
	a, ok := ctx.Value(attributionKey{}).(Attribution)
	return a, ok
}

// TrackedGateway decorates a Gateway with fire-and-forget usage recording.
type TrackedGateway struct {
	inner   Gateway
	tracker *UsageTracker
}

// NewTrackedGateway wraps the inner gateway.
func NewTrackedGateway(inner Gateway, tracker *UsageTracker) *TrackedGateway {
	return &TrackedGateway{inner: inner, tracker: tracker}
}

// Complete forwards to the inner gateway and records usage asynchronously.
// Tracking never extends the message's observable latency and its failures
// never surface.
func (g *TrackedGateway) Complete(ctx context.Context, task TaskType, req Request) (*Response, error) {
	resp, err := g.inner.Complete(ctx, task, req)
	if err != nil {
		return nil, err
	}
	attr, ok := AttributionFrom(ctx)
	if ok && g.tracker != nil {
		record := persistence.UsageRecord{
			UserID:           attr.UserID,
			BotID:            attr.BotID,
			SessionID:        attr.SessionID,
			MessageID:        attr.MessageID,
			Provider:         resp.Provider,
			Model:            resp.Model,
			TaskType:         string(task),
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			LatencyMs:        resp.LatencyMs,
		}
		go func() {
			trackCtx, cancel := context.WithTimeout(context.Background(), trackTimeout)
			defer cancel()
			if err := g.tracker.Record(trackCtx, record); err != nil {
				log.Debug().Err(err).Msg("tracked_gateway_record_failed")
			}
		}()
	}
	return resp, nil
}
