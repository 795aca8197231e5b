package page

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchlistMatches(t *testing.T) {
	w, err := NewWatchlist([]string{
		"https://*.example.com/*",
		"https://example.com/*",
	})
	require.NoError(t, err)

	assert.True(t, w.Matches("https://app.example.com/settings"))
	assert.True(t, w.Matches("https://example.com/"))
	assert.False(t, w.Matches("https://other.site/page"))
	assert.False(t, w.Matches("http://app.example.com/settings"), "scheme is part of the pattern")
}

func TestWatchlistEmptyMatchesNothing(t *testing.T) {
	w, err := NewWatchlist(nil)
	require.NoError(t, err)
	assert.False(t, w.Matches("https://anything.example.com/"))
}

func TestWatchlistRejectsInvalidPattern(t *testing.T) {
	_, err := NewWatchlist([]string{"https://[invalid/*"})
	require.Error(t, err)
}

func TestParseMeta(t *testing.T) {
	html := `<html><head>
		<title> Profile / @someone </title>
		<meta name="author" content="Someone">
		<meta property="og:title" content="Someone (@someone)">
		<meta name="empty" content="">
	</head><body></body></html>`

	meta := ParseMeta(html)
	assert.Equal(t, "Profile / @someone", meta.Title)
	assert.Equal(t, "Someone", meta.Properties["author"])
	assert.Equal(t, "Someone (@someone)", meta.Properties["og:title"])
	_, ok := meta.Properties["empty"]
	assert.False(t, ok, "empty content is skipped")
}

func TestParseMetaMalformedHTML(t *testing.T) {
	// x/net/html is forgiving; even truncated markup yields what it can.
	meta := ParseMeta(`<title>Half open`)
	assert.Equal(t, "Half open", meta.Title)

	meta = ParseMeta("")
	assert.Empty(t, meta.Title)
	assert.Empty(t, meta.Properties)
}

func TestFakePage(t *testing.T) {
	ctx := context.Background()
	p := NewFakePage("https://app.example.com/")
	p.SetCookie("session_token", "value-1")
	p.SetScripts("var a = 1;")
	p.SetHTML("<title>t</title>")

	value, err := p.Cookie(ctx, "session_token")
	require.NoError(t, err)
	assert.Equal(t, "value-1", value)

	missing, err := p.Cookie(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, missing)

	scripts, err := p.ScriptBodies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"var a = 1;"}, scripts)

	p.SetURL("https://app.example.com/next")
	assert.Equal(t, "https://app.example.com/next", p.URL())
}
