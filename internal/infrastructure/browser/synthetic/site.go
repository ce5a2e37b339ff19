// Package synthetic is an in-memory browser over a scripted web application.
// It backs the demo command and the swarm tests.
package synthetic

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"browser-swarm/internal/domain/entity"
)

type Link struct {
	Text string
	Href string
}

// Field is a form control. Type "textarea" renders a textarea, anything else
// an input of that type.
type Field struct {
	Name  string
	Type  string
	Label string
}

type Page struct {
	Title    string
	Text     string
	Links    []Link
	Fields   []Field
	Buttons  []string
	Images   []entity.Image
	Console  []entity.ConsoleMessage
	LoadTime time.Duration
}

// Site maps paths to pages. Paths without a page answer 404.
type Site struct {
	BaseURL string
	Pages   map[string]Page
}

func (s *Site) Home() string {
	return strings.TrimRight(s.BaseURL, "/") + "/"
}

// resolve turns ref into a path of this site. ok is false for other hosts.
func (s *Site) resolve(current, ref string) (abs, path string, ok bool) {
	base, err := url.Parse(current)
	if err != nil {
		return ref, "", false
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref, "", false
	}
	u := base.ResolveReference(r)
	u.Fragment = ""
	if !strings.EqualFold(u.Host, base.Host) {
		return u.String(), "", false
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return u.String(), path, true
}

func (s *Site) url(path string) string {
	return strings.TrimRight(s.BaseURL, "/") + path
}

func (s *Site) state(path string) *entity.PageState {
	p := s.Pages[path]
	state := &entity.PageState{
		URL:        s.url(path),
		Title:      p.Title,
		StatusCode: 200,
		Text:       p.Text,
		Images:     append([]entity.Image(nil), p.Images...),
		LoadTime:   p.LoadTime,
	}

	ref := func() string { return fmt.Sprintf("e%d", len(state.Elements)) }
	for _, l := range p.Links {
		state.Elements = append(state.Elements, entity.Element{
			Ref:      ref(),
			Kind:     entity.ElementLink,
			Selector: fmt.Sprintf("a[href=%q]", l.Href),
			Text:     l.Text,
			Href:     l.Href,
		})
	}
	for _, f := range p.Fields {
		el := entity.Element{
			Ref:      ref(),
			Kind:     entity.ElementInput,
			Selector: "#" + f.Name,
			Name:     f.Name,
			Label:    f.Label,
		}
		if f.Type == "textarea" {
			el.Kind = entity.ElementTextarea
		} else {
			el.InputType = f.Type
		}
		state.Elements = append(state.Elements, el)
	}
	for i, b := range p.Buttons {
		state.Elements = append(state.Elements, entity.Element{
			Ref:      ref(),
			Kind:     entity.ElementButton,
			Selector: fmt.Sprintf("button:nth-of-type(%d)", i+1),
			Text:     b,
		})
	}
	return state
}

// DemoSite is a ten page shop. The about page links to a missing careers
// page; checkout throws a script error; the blog post has an image without
// alt text.
func DemoSite(baseURL string) *Site {
	nav := []Link{
		{Text: "Home", Href: "/"},
		{Text: "Products", Href: "/products"},
		{Text: "Blog", Href: "/blog"},
	}
	with := func(links ...Link) []Link {
		return append(append([]Link(nil), nav...), links...)
	}

	return &Site{
		BaseURL: baseURL,
		Pages: map[string]Page{
			"/": {
				Title: "Demo Shop",
				Text:  "Welcome to the demo shop.",
				Links: with(Link{Text: "About", Href: "/about"}, Link{Text: "Contact", Href: "/contact"}),
			},
			"/products": {
				Title:   "Products",
				Text:    "All products.",
				Links:   with(Link{Text: "Lamp", Href: "/products/1"}, Link{Text: "Chair", Href: "/products/2"}),
				Fields:  []Field{{Name: "q", Type: "search", Label: "Search"}},
				Buttons: []string{"Search"},
			},
			"/products/1": {
				Title:   "Lamp",
				Text:    "A lamp. 12 in stock.",
				Links:   with(Link{Text: "Cart", Href: "/cart"}),
				Buttons: []string{"Add to cart"},
			},
			"/about": {
				Title: "About us",
				Text:  "We sell things.",
				Links: with(Link{Text: "Careers", Href: "/careers"}, Link{Text: "Contact", Href: "/contact"}),
			},
			"/products/2": {
				Title:   "Chair",
				Text:    "A chair. 3 in stock.",
				Links:   with(Link{Text: "Cart", Href: "/cart"}),
				Buttons: []string{"Add to cart"},
			},
			"/cart": {
				Title:   "Cart",
				Text:    "Your cart is empty.",
				Links:   with(Link{Text: "Checkout", Href: "/checkout"}),
				Buttons: []string{"Empty cart"},
			},
			"/checkout": {
				Title: "Checkout",
				Text:  "Enter your details.",
				Links: with(),
				Fields: []Field{
					{Name: "email", Type: "email", Label: "Email"},
					{Name: "name", Type: "text", Label: "Name"},
				},
				Buttons: []string{"Pay"},
				Console: []entity.ConsoleMessage{
					{Level: entity.ConsoleException, Text: "TypeError: cannot read properties of undefined (reading 'total')", URL: "/static/checkout.js"},
				},
			},
			"/contact": {
				Title: "Contact",
				Text:  "Write to us.",
				Links: with(),
				Fields: []Field{
					{Name: "from", Type: "email", Label: "Your email"},
					{Name: "message", Type: "textarea", Label: "Message"},
				},
				Buttons: []string{"Send"},
			},
			"/blog": {
				Title: "Blog",
				Text:  "News from the shop.",
				Links: with(Link{Text: "Welcome post", Href: "/blog/welcome"}),
			},
			"/blog/welcome": {
				Title:  "Welcome",
				Text:   "Our first post.",
				Links:  with(),
				Images: []entity.Image{{Src: "/img/storefront.png", Loaded: true}},
			},
		},
	}
}
