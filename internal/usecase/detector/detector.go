// Package detector holds the built-in defect detectors. Each one looks at the
// state observed after an action and returns zero or more defects.
package detector

import (
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"
)

type Config struct {
	SlowPageThreshold time.Duration
	JSErrors          bool
	HTTPErrors        bool
	SlowPages         bool
	BrokenLinks       bool
	Accessibility     bool
}

func DefaultConfig() Config {
	return Config{
		SlowPageThreshold: 5 * time.Second,
		JSErrors:          true,
		HTTPErrors:        true,
		SlowPages:         true,
		BrokenLinks:       true,
		Accessibility:     true,
	}
}

// RegisterDefaults adds the detectors enabled in cfg to the registry.
func RegisterDefaults(r output.DetectorRegistry, cfg Config) {
	if cfg.JSErrors {
		r.Register(JSError{})
		r.Register(ConsoleError{})
	}
	if cfg.HTTPErrors {
		r.Register(HTTPError{})
	}
	if cfg.SlowPages {
		r.Register(SlowPage{Threshold: cfg.SlowPageThreshold})
	}
	if cfg.BrokenLinks {
		r.Register(BrokenLink{})
		r.Register(BrokenImage{})
	}
	if cfg.Accessibility {
		r.Register(Accessibility{})
	}
}

// Run applies every detector and concatenates the results in registry order.
func Run(detectors []output.DetectorPort, state *entity.PageState, outcome *entity.ActionOutcome) []entity.Defect {
	if state == nil {
		return nil
	}
	var defects []entity.Defect
	for _, d := range detectors {
		defects = append(defects, d.Inspect(state, outcome)...)
	}
	return defects
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
