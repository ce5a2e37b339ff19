package oracle

import (
	"net/url"
	"strings"

	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/domain/fingerprint"
)

// ActionFor is the canonical interaction for an element. Oracle proposals are
// rewritten into this form so the same interaction always maps to the same
// action record.
func ActionFor(el entity.Element) entity.Action {
	a := entity.Action{Target: el.Ref, Selector: el.Selector}
	switch el.Kind {
	case entity.ElementLink:
		if navigable(el.Href) {
			a.Kind = entity.ActionNavigate
			a.URL = el.Href
			return a
		}
		a.Kind = entity.ActionClick
	case entity.ElementInput:
		switch strings.ToLower(el.InputType) {
		case "checkbox", "radio", "submit", "button", "reset", "image", "file":
			a.Kind = entity.ActionClick
		default:
			a.Kind = entity.ActionFill
			a.Value = FillValue(el.InputType)
		}
	case entity.ElementTextarea:
		a.Kind = entity.ActionFill
		a.Value = FillValue("textarea")
	default:
		a.Kind = entity.ActionClick
	}
	return a
}

func navigable(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return u.Scheme == "" || u.Scheme == "http" || u.Scheme == "https"
}

// FillValue is a deterministic test value for an input type.
func FillValue(inputType string) string {
	switch strings.ToLower(inputType) {
	case "email":
		return "swarm.tester@example.com"
	case "password":
		return "Sw4rm-Test!"
	case "number", "range":
		return "42"
	case "tel":
		return "+15550100"
	case "url":
		return "https://example.com"
	case "date":
		return "2024-01-15"
	case "time":
		return "12:30"
	case "search":
		return "test"
	case "textarea":
		return "Automated exploratory test input."
	default:
		return "test input"
	}
}

func resolveElement(state *entity.PageState, a entity.Action) (entity.Element, bool) {
	if a.Target != "" {
		if el, ok := state.Element(a.Target); ok {
			return el, true
		}
	}
	if a.Selector != "" {
		if el, ok := state.ElementBySelector(a.Selector); ok {
			return el, true
		}
	}
	return entity.Element{}, false
}

// resolveLink finds the link a navigate proposal refers to, by ref or by URL.
// Relative URLs are resolved against the page URL.
func resolveLink(state *entity.PageState, a entity.Action) (entity.Element, bool) {
	if el, ok := resolveElement(state, a); ok && el.Kind == entity.ElementLink && navigable(el.Href) {
		return el, true
	}
	if a.URL == "" {
		return entity.Element{}, false
	}
	want := fingerprint.NormalizeURL(absolute(state.URL, a.URL))
	for _, el := range state.Elements {
		if el.Kind == entity.ElementLink && fingerprint.NormalizeURL(absolute(state.URL, el.Href)) == want {
			return el, true
		}
	}
	return entity.Element{}, false
}

func absolute(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
