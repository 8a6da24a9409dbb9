package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ficreative/seo-batch-engine/internal/models"
)

func TestGenerateHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Fields{SeoTitle: "A", SeoDescription: "B"})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, MaxAttempts: 3, Timeout: time.Second, BackoffBase: 10 * time.Millisecond}, nil)
	fields, err := c.Generate(context.Background(), models.JobTypeProductSeo, "en", Hints{}, Callbacks{})
	require.NoError(t, err)
	require.Equal(t, "A", fields.SeoTitle)
	require.Equal(t, "B", fields.SeoDescription)
}

func TestGenerateRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Fields{SeoTitle: "A", SeoDescription: "B"})
	}))
	defer srv.Close()

	var attempts []int
	var retries []string
	c := New(Config{APIURL: srv.URL, MaxAttempts: 3, Timeout: time.Second, BackoffBase: 5 * time.Millisecond}, nil)
	fields, err := c.Generate(context.Background(), models.JobTypeProductSeo, "en", Hints{}, Callbacks{
		OnAttempt: func(n int) { attempts = append(attempts, n) },
		OnRetry:   func(waitMs int64, reason string) { retries = append(retries, reason) },
	})
	require.NoError(t, err)
	require.Equal(t, "A", fields.SeoTitle)
	require.Equal(t, []int{1, 2, 3}, attempts)
	require.Len(t, retries, 2)
}

func TestGenerateExhaustsRetriesOnPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, MaxAttempts: 2, Timeout: time.Second, BackoffBase: time.Millisecond}, nil)
	_, err := c.Generate(context.Background(), models.JobTypeProductSeo, "en", Hints{}, Callbacks{})
	require.Error(t, err)
}

func TestGenerateTruncatesOverlongFields(t *testing.T) {
	long := strings.Repeat("x", models.ProductTitleMax+50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Fields{SeoTitle: long, SeoDescription: "B"})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, MaxAttempts: 1, Timeout: time.Second}, nil)
	fields, err := c.Generate(context.Background(), models.JobTypeProductSeo, "en", Hints{}, Callbacks{})
	require.NoError(t, err)
	require.Len(t, []rune(fields.SeoTitle), models.ProductTitleMax)
}

func TestIsLanguageMismatchTurkishGuard(t *testing.T) {
	require.True(t, isLanguageMismatch("tr", []string{"This is the product and it is great for this use"}))
	require.False(t, isLanguageMismatch("tr", []string{"Bu ürün için çok iyi bir seçenek"}))
}

func TestIsLanguageMismatchEnglishGuard(t *testing.T) {
	require.True(t, isLanguageMismatch("en", []string{"Bu ürün çok şık"}))
	require.False(t, isLanguageMismatch("en", []string{"This product is great"}))
}
