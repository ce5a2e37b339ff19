// Package htmlstate turns a rendered HTML document into the interactive
// summary agents reason about.
package htmlstate

import (
	"fmt"
	"net/url"
	"strings"

	"browser-swarm/internal/domain/entity"

	"golang.org/x/net/html"
)

type Config struct {
	MaxElements int
	MaxText     int
}

var DefaultConfig = Config{
	MaxElements: 500,
	MaxText:     20_000,
}

var skipTags = []string{"script", "style", "noscript", "svg", "template", "iframe", "head"}

// Parse extracts title, visible text, interactive elements and images from
// rawHTML. Relative hrefs and image sources are resolved against pageURL.
// Image load status is unknown to the parser; Loaded is left true.
func Parse(pageURL, rawHTML string, cfg *Config) (*entity.PageState, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	p := &parser{
		cfg:    cfg,
		base:   parseURL(pageURL),
		labels: make(map[string]string),
		seen:   make(map[string]bool),
		state:  &entity.PageState{URL: pageURL},
	}
	if t := findNode(doc, "title"); t != nil {
		p.state.Title = collapse(textOf(t))
	}
	p.collectLabels(doc)

	body := findNode(doc, "body")
	if body == nil {
		body = doc
	}
	p.walk(body)

	p.state.Text = truncate(collapse(p.text.String()), cfg.MaxText)
	return p.state, nil
}

type parser struct {
	cfg    *Config
	base   *url.URL
	labels map[string]string
	seen   map[string]bool
	text   strings.Builder
	state  *entity.PageState
}

func (p *parser) collectLabels(n *html.Node) {
	if n.Type == html.ElementNode && n.Data == "label" {
		if id := attr(n, "for"); id != "" {
			p.labels[id] = collapse(textOf(n))
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.collectLabels(c)
	}
}

func (p *parser) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		p.text.WriteString(n.Data)
		p.text.WriteByte(' ')
		return
	case html.ElementNode:
		if isOneOf(n.Data, skipTags...) || hidden(n) {
			return
		}
		p.visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

func (p *parser) visit(n *html.Node) {
	switch n.Data {
	case "img":
		src := attr(n, "src")
		if src == "" {
			return
		}
		p.state.Images = append(p.state.Images, entity.Image{
			Src:    p.resolve(src),
			Alt:    attr(n, "alt"),
			Loaded: true,
		})
	case "a":
		if !hasAttr(n, "href") {
			return
		}
		p.add(n, entity.ElementLink)
	case "button":
		p.add(n, entity.ElementButton)
	case "input":
		typ := strings.ToLower(attr(n, "type"))
		switch typ {
		case "hidden":
			return
		case "submit", "button", "reset", "image":
			p.add(n, entity.ElementButton)
		default:
			p.add(n, entity.ElementInput)
		}
	case "textarea":
		p.add(n, entity.ElementTextarea)
	case "select":
		p.add(n, entity.ElementSelect)
	default:
		if attr(n, "role") == "button" || attr(n, "role") == "link" {
			p.add(n, entity.ElementButton)
		}
	}
}

func (p *parser) add(n *html.Node, kind entity.ElementKind) {
	if len(p.state.Elements) >= p.cfg.MaxElements {
		return
	}
	sel := selector(n)
	if p.seen[sel] {
		return
	}
	p.seen[sel] = true

	el := entity.Element{
		Ref:       fmt.Sprintf("e%d", len(p.state.Elements)),
		Kind:      kind,
		Selector:  sel,
		Text:      truncate(collapse(textOf(n)), 120),
		Name:      attr(n, "name"),
		Role:      attr(n, "role"),
		AriaLabel: attr(n, "aria-label"),
		Label:     p.label(n),
	}
	if n.Data == "input" {
		el.InputType = strings.ToLower(attr(n, "type"))
		if el.InputType == "" {
			el.InputType = "text"
		}
		if el.Text == "" {
			el.Text = attr(n, "value")
		}
	}
	if kind == entity.ElementLink {
		el.Href = p.resolve(attr(n, "href"))
	}
	p.state.Elements = append(p.state.Elements, el)
}

// label finds the accessible label of a form control: <label for>, a
// wrapping <label>, or placeholder text.
func (p *parser) label(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		if l, ok := p.labels[id]; ok {
			return l
		}
	}
	for a := n.Parent; a != nil; a = a.Parent {
		if a.Type == html.ElementNode && a.Data == "label" {
			return collapse(textOf(a))
		}
	}
	return attr(n, "placeholder")
}

func (p *parser) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if p.base == nil || ref == "" || strings.HasPrefix(ref, "#") {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if r.Scheme != "" && r.Scheme != "http" && r.Scheme != "https" {
		return ref
	}
	return p.base.ResolveReference(r).String()
}

// selector builds a CSS selector: the id when there is one, otherwise an
// nth-of-type path from the closest ancestor with an id.
func selector(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); id != "" && cssIdent(id) {
			parts = append(parts, "#"+id)
			break
		}
		if cur.Data == "html" || cur.Data == "body" {
			parts = append(parts, cur.Data)
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", cur.Data, nthOfType(cur)))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func nthOfType(n *html.Node) int {
	i := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			i++
		}
	}
	return i
}

func cssIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '-' || r == '_':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

func hidden(n *html.Node) bool {
	if hasAttr(n, "hidden") || attr(n, "aria-hidden") == "true" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func findNode(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findNode(c, tag); f != nil {
			return f
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && isOneOf(n.Data, "script", "style", "noscript") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil
	}
	return u
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func isOneOf(s string, candidates ...string) bool {
	for _, c := range candidates {
		if s == c {
			return true
		}
	}
	return false
}
