package input

import (
	"context"

	"browser-swarm/internal/domain/entity"
)

type SwarmRunner interface {
	Run(ctx context.Context) (*entity.RunReport, error)
}
