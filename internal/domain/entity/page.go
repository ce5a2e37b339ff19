package entity

import "time"

type PageFingerprint string

func (f PageFingerprint) String() string {
	return string(f)
}

type ElementKind string

const (
	ElementLink     ElementKind = "link"
	ElementButton   ElementKind = "button"
	ElementInput    ElementKind = "input"
	ElementTextarea ElementKind = "textarea"
	ElementSelect   ElementKind = "select"
)

// Element is one interactive element of a page, in document order.
// Ref is stable for a given page state ("e0", "e1", ...).
type Element struct {
	Ref       string      `json:"ref"`
	Kind      ElementKind `json:"kind"`
	Selector  string      `json:"selector"`
	Text      string      `json:"text,omitempty"`
	Href      string      `json:"href,omitempty"`
	Name      string      `json:"name,omitempty"`
	InputType string      `json:"input_type,omitempty"`
	Role      string      `json:"role,omitempty"`
	AriaLabel string      `json:"aria_label,omitempty"`
	Label     string      `json:"label,omitempty"`
}

type Image struct {
	Src    string `json:"src"`
	Alt    string `json:"alt"`
	Loaded bool   `json:"loaded"`
}

type ConsoleLevel string

const (
	ConsoleError     ConsoleLevel = "error"
	ConsoleWarning   ConsoleLevel = "warning"
	ConsoleException ConsoleLevel = "exception"
)

type ConsoleMessage struct {
	Level ConsoleLevel `json:"level"`
	Text  string       `json:"text"`
	URL   string       `json:"url,omitempty"`
}

type NetworkEvent struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	Status       int    `json:"status"`
	ResourceType string `json:"resource_type,omitempty"`
	Failed       bool   `json:"failed,omitempty"`
	ErrorText    string `json:"error_text,omitempty"`
}

// PageState is the browser's summary of the current page. Console and Network
// hold the events captured since the previous observation.
type PageState struct {
	URL        string           `json:"url"`
	Title      string           `json:"title"`
	StatusCode int              `json:"status_code,omitempty"`
	Elements   []Element        `json:"elements"`
	Text       string           `json:"text,omitempty"`
	Images     []Image          `json:"images,omitempty"`
	Console    []ConsoleMessage `json:"console,omitempty"`
	Network    []NetworkEvent   `json:"network,omitempty"`
	LoadTime   time.Duration    `json:"load_time,omitempty"`
}

func (s *PageState) Element(ref string) (Element, bool) {
	for _, el := range s.Elements {
		if el.Ref == ref {
			return el, true
		}
	}
	return Element{}, false
}

func (s *PageState) ElementBySelector(selector string) (Element, bool) {
	for _, el := range s.Elements {
		if el.Selector == selector {
			return el, true
		}
	}
	return Element{}, false
}

func (s *PageState) LinkTo(url string) (Element, bool) {
	for _, el := range s.Elements {
		if el.Kind == ElementLink && el.Href == url {
			return el, true
		}
	}
	return Element{}, false
}

type Screenshot struct {
	Data   []byte
	Format string
	Width  int
	Height int
}
