package output

import "browser-swarm/internal/domain/entity"

type DetectorPort interface {
	Name() string
	Inspect(state *entity.PageState, outcome *entity.ActionOutcome) []entity.Defect
}

type DetectorRegistry interface {
	Register(d DetectorPort)
	Get(name string) (DetectorPort, bool)
	All() []DetectorPort
}
