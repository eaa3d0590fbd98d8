package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang generics", r.URL.Query().Get("q"))
		fmt.Fprint(w, `<html><body>
			<div class="result">
				<h2 class="result__title"><a class="result__a" href="https://go.dev/blog/intro-generics">An Introduction To Generics</a></h2>
				<a class="result__snippet">Generics in Go 1.18.</a>
			</div>
			<div class="result">
				<h2 class="result__title"><a class="result__a" href="https://example.com/2">Second</a></h2>
				<a class="result__snippet">Another.</a>
			</div>
		</body></html>`)
	}))
	defer srv.Close()

	tool := newWebSearch(srv.URL)
	res, err := tool.Execute(context.Background(), Call{Args: map[string]any{
		"query": "golang generics", "max_results": float64(1),
	}})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Contains(t, res.Content, "An Introduction To Generics")
	assert.Contains(t, res.Content, "go.dev/blog/intro-generics")
	assert.NotContains(t, res.Content, "Second", "max_results respected")
}

func TestWebReaderExtractsTextAndCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, `<html><head><title>Docs</title><script>evil()</script></head>
			<body><nav>skip me</nav><h1>Install</h1><p>Run the installer.</p>
			<ul><li>step one</li></ul></body></html>`)
	}))
	defer srv.Close()

	tool := NewWebReader()
	ctx := context.Background()

	res, err := tool.Execute(ctx, Call{Args: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Contains(t, res.Content, "# Docs")
	assert.Contains(t, res.Content, "Install")
	assert.Contains(t, res.Content, "Run the installer.")
	assert.Contains(t, res.Content, "- step one")
	assert.NotContains(t, res.Content, "evil")
	assert.NotContains(t, res.Content, "skip me")

	_, err = tool.Execute(ctx, Call{Args: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second fetch served from cache")
}

func TestWebReaderRejectsBadSchemes(t *testing.T) {
	tool := NewWebReader()
	for _, bad := range []string{"ftp://host/x", "file:///etc/passwd", "not a url"} {
		res, err := tool.Execute(context.Background(), Call{Args: map[string]any{"url": bad}})
		require.NoError(t, err)
		assert.Error(t, res.Err, "url %q must be rejected", bad)
	}
}

func TestWebReaderSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := NewWebReader().Execute(context.Background(), Call{Args: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "404")
}
