package output

import (
	"context"

	"browser-swarm/internal/domain/entity"
)

// BrowserLauncher opens one isolated browser session per agent.
type BrowserLauncher interface {
	Open(ctx context.Context, agentID string) (BrowserSession, error)
	Close()
}

type BrowserSession interface {
	Observe(ctx context.Context) (*entity.PageState, error)
	Execute(ctx context.Context, action entity.Action) (*entity.ActionOutcome, error)
	Screenshot(ctx context.Context) (*entity.Screenshot, error)
	Close() error
}
