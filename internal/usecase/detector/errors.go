package detector

import (
	"fmt"
	"strings"

	"browser-swarm/internal/application/port/output"
	"browser-swarm/internal/domain/entity"
)

var (
	_ output.DetectorPort = JSError{}
	_ output.DetectorPort = ConsoleError{}
	_ output.DetectorPort = HTTPError{}
)

const maxMessage = 300

// JSError reports uncaught exceptions.
type JSError struct{}

func (JSError) Name() string { return string(entity.CategoryJSError) }

func (JSError) Inspect(state *entity.PageState, _ *entity.ActionOutcome) []entity.Defect {
	var out []entity.Defect
	for _, msg := range state.Console {
		if msg.Level != entity.ConsoleException {
			continue
		}
		out = append(out, entity.Defect{
			Severity:    entity.SeverityHigh,
			Category:    entity.CategoryJSError,
			URL:         state.URL,
			Description: "Uncaught exception: " + clip(strings.TrimSpace(msg.Text), maxMessage),
		})
	}
	return out
}

// ConsoleError reports console.error output.
type ConsoleError struct{}

func (ConsoleError) Name() string { return string(entity.CategoryConsoleError) }

func (ConsoleError) Inspect(state *entity.PageState, _ *entity.ActionOutcome) []entity.Defect {
	var out []entity.Defect
	for _, msg := range state.Console {
		if msg.Level != entity.ConsoleError {
			continue
		}
		out = append(out, entity.Defect{
			Severity:    entity.SeverityMedium,
			Category:    entity.CategoryConsoleError,
			URL:         state.URL,
			Description: "Console error: " + clip(strings.TrimSpace(msg.Text), maxMessage),
		})
	}
	return out
}

// HTTPError reports server errors on the document and failed subresource
// requests. Client errors on the document are left to BrokenLink.
type HTTPError struct{}

func (HTTPError) Name() string { return string(entity.CategoryHTTPError) }

func (HTTPError) Inspect(state *entity.PageState, _ *entity.ActionOutcome) []entity.Defect {
	var out []entity.Defect
	if state.StatusCode >= 500 {
		out = append(out, entity.Defect{
			Severity:    entity.SeverityCritical,
			Category:    entity.CategoryHTTPError,
			URL:         state.URL,
			Description: fmt.Sprintf("Page returned HTTP %d", state.StatusCode),
		})
	}

	for _, ev := range state.Network {
		if strings.EqualFold(ev.ResourceType, "document") || strings.EqualFold(ev.ResourceType, "image") {
			continue
		}
		switch {
		case ev.Failed:
			out = append(out, entity.Defect{
				Severity:    entity.SeverityMedium,
				Category:    entity.CategoryHTTPError,
				URL:         ev.URL,
				Description: fmt.Sprintf("Request %s %s failed: %s", method(ev), ev.URL, ev.ErrorText),
			})
		case ev.Status >= 500:
			out = append(out, entity.Defect{
				Severity:    entity.SeverityHigh,
				Category:    entity.CategoryHTTPError,
				URL:         ev.URL,
				Description: fmt.Sprintf("Request %s %s returned HTTP %d", method(ev), ev.URL, ev.Status),
			})
		case ev.Status >= 400:
			out = append(out, entity.Defect{
				Severity:    entity.SeverityMedium,
				Category:    entity.CategoryHTTPError,
				URL:         ev.URL,
				Description: fmt.Sprintf("Request %s %s returned HTTP %d", method(ev), ev.URL, ev.Status),
			})
		}
	}
	return out
}

func method(ev entity.NetworkEvent) string {
	if ev.Method == "" {
		return "GET"
	}
	return ev.Method
}
