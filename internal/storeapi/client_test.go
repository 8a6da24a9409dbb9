package storeapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchProductDecodesSeoAndMetafields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"product": map[string]any{
					"id": "gid://store/Product/1", "title": "Shoe", "descriptionHtml": "<p>nice</p>",
					"seo":  map[string]any{"title": "native title", "description": "native desc"},
					"metafieldTitleTag": map[string]any{"value": "meta title"},
					"media": map[string]any{"nodes": []any{}},
				},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, MaxAttempts: 1, Timeout: time.Second}, nil)
	p, err := c.FetchProduct(context.Background(), "gid://store/Product/1", Callbacks{})
	require.NoError(t, err)
	require.Equal(t, "Shoe", p.Title)
	require.Equal(t, "native title", p.SeoTitle)
	require.Equal(t, "meta title", p.MetaTitle)
}

func TestWriteProductSeoNeverWritesEmptyString(t *testing.T) {
	var gotMetafields []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		json.Unmarshal(body, &req)
		query, _ := req["query"].(string)
		if contains(query, "product(") {
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"product": map[string]any{
					"id": "gid://store/Product/1", "seo": map[string]any{"title": "", "description": ""},
					"media": map[string]any{"nodes": []any{}},
				}},
			})
			return
		}
		vars, _ := req["variables"].(map[string]any)
		gotMetafields, _ = vars["metafields"].([]any)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"metafieldsSet": map[string]any{"userErrors": []any{}}}})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, MaxAttempts: 1, Timeout: time.Second}, nil)
	err := c.WriteProductSeo(context.Background(), "gid://store/Product/1", SeoWriteRequest{
		WriteTitle: true, Title: "", WriteDescription: true, Description: "New desc",
	}, Callbacks{})
	require.NoError(t, err)
	require.Len(t, gotMetafields, 1, "empty title must not be written")
}

func TestNormalizeArticleGID(t *testing.T) {
	require.Equal(t, "gid://store/Article/42", NormalizeArticleGID("42"))
	require.Equal(t, "gid://store/Article/42", NormalizeArticleGID("gid://store/Article/42"))
	require.Equal(t, "gid://store/Article/42", NormalizeArticleGID("gid://store/OnlineStoreArticle/42"))
}

func TestThrottlePacingSleepsWithinBounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"node": map[string]any{"id": "gid://store/Article/1"}},
			"extensions": map[string]any{"cost": map[string]any{
				"throttleStatus": map[string]any{"currentlyAvailable": 50, "restoreRate": 50},
			}},
		})
	}))
	defer srv.Close()

	var waitMs int64
	c := New(Config{URL: srv.URL, MaxAttempts: 1, Timeout: time.Second, ThrottleMinAvailable: 100, ThrottleMaxWait: 5 * time.Second}, nil)
	_, err := c.nodeExists(context.Background(), "gid://store/Article/1", Callbacks{
		OnThrottle: func(ms int64, status ThrottleStatus) { waitMs = ms },
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, waitMs, int64(1000))
	require.LessOrEqual(t, waitMs, int64(5000))
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
