package output

import (
	"context"

	"browser-swarm/internal/domain/entity"
)

type ReportWriter interface {
	Write(ctx context.Context, report *entity.RunReport) (string, error)
}
