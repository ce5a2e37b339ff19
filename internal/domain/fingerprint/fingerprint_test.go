package fingerprint

import (
	"testing"

	"browser-swarm/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"lowercases host", "HTTP://Example.COM/a", "http://example.com/a"},
		{"drops default port", "https://example.com:443/x", "https://example.com/x"},
		{"keeps custom port", "http://localhost:3000/x", "http://localhost:3000/x"},
		{"drops fragment", "http://example.com/a#top", "http://example.com/a"},
		{"trims trailing slash", "http://example.com/a/", "http://example.com/a"},
		{"root keeps slash", "http://example.com", "http://example.com/"},
		{"sorts query", "http://example.com/?b=2&a=1", "http://example.com/?a=1&b=2"},
		{"drops utm", "http://example.com/?utm_source=x&id=3", "http://example.com/?id=3"},
		{"relative untouched", "/about", "/about"},
		{"ipv6 with port", "http://[::1]:8080/a", "http://[::1]:8080/a"},
		{"ipv6 default port", "https://[2001:DB8::1]:443/", "https://[2001:db8::1]/"},
		{"ipv6 no port", "http://[::1]/x#f", "http://[::1]/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestPage_SameStateSameFingerprint(t *testing.T) {
	a := &entity.PageState{
		URL:   "http://example.com/list?b=1&a=2#frag",
		Title: "List",
		Text:  "Updated 12 seconds ago",
		Elements: []entity.Element{
			{Ref: "e0", Kind: entity.ElementLink, Href: "http://example.com/item/1", Text: "Item"},
			{Ref: "e1", Kind: entity.ElementButton, Text: "Cart (3)"},
		},
	}
	b := &entity.PageState{
		URL:   "http://EXAMPLE.com/list/?a=2&b=1",
		Title: "List",
		Text:  "updated   97 seconds ago",
		Elements: []entity.Element{
			{Ref: "e0", Kind: entity.ElementLink, Href: "http://example.com/item/1", Text: "Item"},
			{Ref: "e1", Kind: entity.ElementButton, Text: "Cart (4)"},
		},
	}

	assert.Equal(t, Page(a), Page(b))
	assert.Len(t, string(Page(a)), 16)
}

func TestPage_StructureChangesFingerprint(t *testing.T) {
	base := &entity.PageState{
		URL:      "http://example.com/form",
		Elements: []entity.Element{{Kind: entity.ElementInput, Name: "email", InputType: "email"}},
	}
	withField := &entity.PageState{
		URL: "http://example.com/form",
		Elements: []entity.Element{
			{Kind: entity.ElementInput, Name: "email", InputType: "email"},
			{Kind: entity.ElementInput, Name: "password", InputType: "password"},
		},
	}
	otherURL := &entity.PageState{
		URL:      "http://example.com/other",
		Elements: base.Elements,
	}

	assert.NotEqual(t, Page(base), Page(withField))
	assert.NotEqual(t, Page(base), Page(otherURL))
}

func TestPage_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "elements")
		state := &entity.PageState{
			URL:  "http://example.com/" + rapid.StringMatching(`[a-z]{0,8}`).Draw(rt, "path"),
			Text: rapid.String().Draw(rt, "text"),
		}
		for i := 0; i < n; i++ {
			state.Elements = append(state.Elements, entity.Element{
				Kind: rapid.SampledFrom([]entity.ElementKind{
					entity.ElementLink, entity.ElementButton, entity.ElementInput,
				}).Draw(rt, "kind"),
				Name: rapid.StringMatching(`[a-z]{0,4}`).Draw(rt, "name"),
			})
		}

		copied := *state
		copied.Elements = append([]entity.Element(nil), state.Elements...)

		if Page(state) != Page(&copied) {
			rt.Fatalf("fingerprint differs for identical states")
		}
	})
}
