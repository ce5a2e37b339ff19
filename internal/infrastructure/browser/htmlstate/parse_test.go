package htmlstate

import (
	"fmt"
	"strings"
	"testing"

	"browser-swarm/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopHTML = `<!DOCTYPE html>
<html>
<head><title> Shop  Home </title><style>.x{}</style></head>
<body>
	<nav id="nav">
		<a href="/products">Products</a>
		<a href="https://partner.example/">Partner</a>
		<a href="#top">Top</a>
	</nav>
	<main>
		<h1>Welcome</h1>
		<!-- promo -->
		<script>console.log("hidden")</script>
		<form>
			<label for="q">Search</label>
			<input id="q" name="q" type="search">
			<label>Email <input name="email" type="email"></label>
			<input type="hidden" name="csrf" value="x">
			<input type="text" name="nick" placeholder="Nickname">
			<textarea name="msg"></textarea>
			<select name="size"><option>S</option></select>
			<input type="submit" value="Send">
		</form>
		<button aria-label="Close"></button>
		<div hidden><a href="/secret">Secret</a></div>
		<div role="button">Menu</div>
		<img src="/img/logo.png" alt="Logo">
		<img src="banner.jpg">
	</main>
</body>
</html>`

func parse(t *testing.T) *entity.PageState {
	t.Helper()
	state, err := Parse("http://shop.test/", shopHTML, nil)
	require.NoError(t, err)
	return state
}

func TestParse_TitleAndText(t *testing.T) {
	state := parse(t)

	assert.Equal(t, "Shop Home", state.Title)
	assert.Contains(t, state.Text, "Welcome")
	assert.NotContains(t, state.Text, "console.log")
	assert.NotContains(t, state.Text, "promo")
	assert.NotContains(t, state.Text, "Secret")
}

func TestParse_ElementsInDocumentOrder(t *testing.T) {
	state := parse(t)

	var kinds []entity.ElementKind
	for i, el := range state.Elements {
		assert.Equal(t, fmt.Sprintf("e%d", i), el.Ref)
		kinds = append(kinds, el.Kind)
	}
	assert.Equal(t, []entity.ElementKind{
		entity.ElementLink, entity.ElementLink, entity.ElementLink,
		entity.ElementInput, entity.ElementInput, entity.ElementInput,
		entity.ElementTextarea, entity.ElementSelect,
		entity.ElementButton, entity.ElementButton, entity.ElementButton,
	}, kinds)
}

func TestParse_LinksAreResolved(t *testing.T) {
	state := parse(t)

	assert.Equal(t, "http://shop.test/products", state.Elements[0].Href)
	assert.Equal(t, "https://partner.example/", state.Elements[1].Href)
	assert.Equal(t, "#top", state.Elements[2].Href)
	_, ok := state.LinkTo("http://shop.test/secret")
	assert.False(t, ok, "hidden links are not interactive")
}

func TestParse_Labels(t *testing.T) {
	state := parse(t)

	search, ok := state.ElementBySelector("#q")
	require.True(t, ok)
	assert.Equal(t, "Search", search.Label)
	assert.Equal(t, "search", search.InputType)

	assert.Equal(t, "Email", state.Elements[4].Label)
	assert.Equal(t, "Nickname", state.Elements[5].Label)
	assert.Empty(t, state.Elements[6].Label)

	submit := state.Elements[8]
	assert.Equal(t, "Send", submit.Text)
	assert.Equal(t, "Close", state.Elements[9].AriaLabel)
}

func TestParse_Selectors(t *testing.T) {
	state := parse(t)

	assert.Equal(t, "#nav > a:nth-of-type(1)", state.Elements[0].Selector)
	assert.Equal(t, "#nav > a:nth-of-type(2)", state.Elements[1].Selector)
	assert.True(t, strings.HasPrefix(state.Elements[6].Selector, "body > main:nth-of-type(1) > form:nth-of-type(1)"))

	seen := map[string]bool{}
	for _, el := range state.Elements {
		assert.False(t, seen[el.Selector], "duplicate selector %s", el.Selector)
		seen[el.Selector] = true
	}
}

func TestParse_Images(t *testing.T) {
	state := parse(t)

	require.Len(t, state.Images, 2)
	assert.Equal(t, entity.Image{Src: "http://shop.test/img/logo.png", Alt: "Logo", Loaded: true}, state.Images[0])
	assert.Equal(t, "http://shop.test/banner.jpg", state.Images[1].Src)
	assert.Empty(t, state.Images[1].Alt)
}

func TestParse_Limits(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<body>")
	for range 20 {
		sb.WriteString(`<button>Go</button>`)
	}
	sb.WriteString("</body>")

	state, err := Parse("http://shop.test/", sb.String(), &Config{MaxElements: 5, MaxText: 10})
	require.NoError(t, err)
	assert.Len(t, state.Elements, 5)
	assert.LessOrEqual(t, len(state.Text), 10)
}
