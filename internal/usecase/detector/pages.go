package detector

import (
	"fmt"
	"strings"
	"time"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"
)

var (
	_ output.DetectorPort = SlowPage{}
	_ output.DetectorPort = BrokenLink{}
	_ output.DetectorPort = BrokenImage{}
	_ output.DetectorPort = Accessibility{}
)

type SlowPage struct {
	Threshold time.Duration
}

func (SlowPage) Name() string { return string(entity.CategorySlowPage) }

func (d SlowPage) Inspect(state *entity.PageState, _ *entity.ActionOutcome) []entity.Defect {
	if d.Threshold <= 0 || state.LoadTime <= d.Threshold {
		return nil
	}
	sev := entity.SeverityMedium
	if state.LoadTime > 2*d.Threshold {
		sev = entity.SeverityHigh
	}
	return []entity.Defect{{
		Severity:    sev,
		Category:    entity.CategorySlowPage,
		URL:         state.URL,
		Description: fmt.Sprintf("Page load exceeded %s", d.Threshold),
	}}
}

// BrokenLink reports navigations that ended in a client or server error.
// The defect belongs to the page the link was on.
type BrokenLink struct{}

func (BrokenLink) Name() string { return string(entity.CategoryBrokenLink) }

func (BrokenLink) Inspect(_ *entity.PageState, outcome *entity.ActionOutcome) []entity.Defect {
	if outcome == nil || outcome.Action.Kind != entity.ActionNavigate || outcome.StatusCode < 400 {
		return nil
	}
	sev := entity.SeverityHigh
	if outcome.StatusCode >= 500 {
		sev = entity.SeverityCritical
	}
	target := outcome.Action.URL
	if target == "" {
		target = outcome.URL
	}
	return []entity.Defect{{
		Severity:    sev,
		Category:    entity.CategoryBrokenLink,
		Page:        outcome.FromPage,
		URL:         outcome.FromURL,
		Description: fmt.Sprintf("Link to %s returned HTTP %d", target, outcome.StatusCode),
	}}
}

type BrokenImage struct{}

func (BrokenImage) Name() string { return string(entity.CategoryBrokenImage) }

func (BrokenImage) Inspect(state *entity.PageState, _ *entity.ActionOutcome) []entity.Defect {
	var out []entity.Defect
	seen := make(map[string]bool)
	report := func(src, why string) {
		if src == "" || seen[src] {
			return
		}
		seen[src] = true
		out = append(out, entity.Defect{
			Severity:    entity.SeverityMedium,
			Category:    entity.CategoryBrokenImage,
			URL:         state.URL,
			Description: fmt.Sprintf("Image %s %s", src, why),
		})
	}

	for _, img := range state.Images {
		if !img.Loaded {
			report(img.Src, "failed to load")
		}
	}
	for _, ev := range state.Network {
		if !strings.EqualFold(ev.ResourceType, "image") {
			continue
		}
		if ev.Failed || ev.Status >= 400 {
			report(ev.URL, "failed to load")
		}
	}
	return out
}

// Accessibility reports one defect per rule per page state.
type Accessibility struct{}

func (Accessibility) Name() string { return string(entity.CategoryAccessibility) }

func (Accessibility) Inspect(state *entity.PageState, _ *entity.ActionOutcome) []entity.Defect {
	var out []entity.Defect
	add := func(sev entity.Severity, desc string) {
		out = append(out, entity.Defect{
			Severity:    sev,
			Category:    entity.CategoryAccessibility,
			URL:         state.URL,
			Description: desc,
		})
	}

	if strings.TrimSpace(state.Title) == "" {
		add(entity.SeverityLow, "Page has no title")
	}

	missingAlt := 0
	for _, img := range state.Images {
		if strings.TrimSpace(img.Alt) == "" {
			missingAlt++
		}
	}
	if missingAlt > 0 {
		add(entity.SeverityLow, fmt.Sprintf("%d image(s) without alt text", missingAlt))
	}

	unlabeled := 0
	for _, el := range state.Elements {
		switch el.Kind {
		case entity.ElementInput, entity.ElementTextarea, entity.ElementSelect:
		default:
			continue
		}
		if hidden(el) {
			continue
		}
		if strings.TrimSpace(el.Label) == "" && strings.TrimSpace(el.AriaLabel) == "" {
			unlabeled++
		}
	}
	if unlabeled > 0 {
		add(entity.SeverityMedium, fmt.Sprintf("%d form field(s) without a label", unlabeled))
	}

	unnamed := 0
	for _, el := range state.Elements {
		if el.Kind == entity.ElementButton && strings.TrimSpace(el.Text) == "" && strings.TrimSpace(el.AriaLabel) == "" {
			unnamed++
		}
	}
	if unnamed > 0 {
		add(entity.SeverityLow, fmt.Sprintf("%d button(s) without an accessible name", unnamed))
	}
	return out
}

func hidden(el entity.Element) bool {
	switch strings.ToLower(el.InputType) {
	case "hidden", "submit", "button", "reset", "image":
		return true
	}
	return false
}
