package llm

import "context"

// Provider is one model backend. Complete must honor the request's thinking
// and temperature settings as given; the gateway guarantees the two are
// never set together.
type Provider interface {
	Name() string
	IsAvailable() bool
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Gateway is the single port the runtime uses for completions.
type Gateway interface {
	Complete(ctx context.Context, task TaskType, req Request) (*Response, error)
}
