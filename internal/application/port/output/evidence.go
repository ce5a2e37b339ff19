package output

import (
	"context"

	"browser-swarm/internal/domain/entity"
)

type EvidenceStore interface {
	Save(ctx context.Context, agentID string, seq int, shot *entity.Screenshot) (ref string, err error)
}
