// Package generator implements a JSON-constrained text-completion request
// with retries, a language guard, and a bounded rewrite pass.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/ficreative/seo-batch-engine/internal/classify"
	"github.com/ficreative/seo-batch-engine/internal/clock"
	"github.com/ficreative/seo-batch-engine/internal/models"
)

// Fields is the closed JSON object returned by the text service, keyed by
// jobType. Only the fields relevant to the jobType are populated.
type Fields struct {
	SeoTitle       string `json:"seoTitle,omitempty"`
	SeoDescription string `json:"seoDescription,omitempty"`
	AltText        string `json:"altText,omitempty"`
}

// Hints bundles the prompt-construction knobs passed to the backend.
type Hints struct {
	BrandName        string
	Tone             string
	BrandVoice       string
	TargetKeyword    string
	RequiredKeywords []string // capped at 10 by buildRequest
	BannedWords      []string // capped at 30 by buildRequest
	Capitalization   string
	EmojiPolicy      string
	Payload          map[string]any // product/article payload snapshot
}

// Callbacks lets the Generate phase wire retry narration into job/item
// counters without the client knowing about persistence.
type Callbacks struct {
	OnAttempt func(n int)
	OnRetry   func(waitMs int64, reason string)
}

// Config holds the client's retry/timeout/backoff tunables.
type Config struct {
	APIURL      string
	APIKey      string
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
}

// Client calls the external text-completion service.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client. http.DefaultClient is used if none is given.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Generate runs the retry state machine {Calling, Classifying, Sleeping,
// Done} for one jobType/target, applying the language guard and a single
// bounded rewrite pass before hard-truncating the accepted fields.
func (c *Client) Generate(ctx context.Context, jobType string, lang string, hints Hints, cb Callbacks) (Fields, error) {
	fields, err := c.callWithRetry(ctx, jobType, lang, hints, cb)
	if err != nil {
		return Fields{}, err
	}

	if mismatch := isLanguageMismatch(lang, texts(jobType, fields)); mismatch {
		rewritten, err := c.rewrite(ctx, jobType, lang, fields, cb)
		if err == nil {
			fields = rewritten
		}
		// A second mismatch after the rewrite pass is accepted as-is; no
		// further correction loop.
	}

	return truncate(jobType, fields), nil
}

func (c *Client) callWithRetry(ctx context.Context, jobType, lang string, hints Hints, cb Callbacks) (Fields, error) {
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cb.OnAttempt != nil {
			cb.OnAttempt(attempt)
		}

		fields, classification, callErr := c.call(ctx, jobType, lang, hints)
		if callErr == nil {
			return fields, nil
		}
		lastErr = callErr

		if classification.IsTransient && attempt < maxAttempts {
			wait := clock.Backoff(attempt, c.cfg.BackoffBase)
			if classification.RetryAfter > wait {
				wait = classification.RetryAfter
			}
			if cb.OnRetry != nil {
				cb.OnRetry(wait.Milliseconds(), classification.UserMessage)
			}
			if err := clock.Sleep(ctx, wait); err != nil {
				return Fields{}, err
			}
			continue
		}
		return Fields{}, fmt.Errorf("%s: %w", classification.UserMessage, lastErr)
	}
	return Fields{}, lastErr
}

func (c *Client) call(ctx context.Context, jobType, lang string, hints Hints) (Fields, classify.Classification, error) {
	reqBody, err := buildRequest(jobType, lang, hints)
	if err != nil {
		return Fields{}, classify.Classification{IsTransient: false, UserMessage: "invalid request"}, err
	}

	var fields Fields
	var statusCode int
	var nonParsable bool
	var callErr error

	timeoutErr := clock.Timeout(ctx, c.cfg.Timeout, "generator.call", func(cctx context.Context) error {
		req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			callErr = err
			return nil
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			callErr = err
			return nil
		}
		if statusCode >= 200 && statusCode < 300 {
			if err := json.Unmarshal(body, &fields); err != nil {
				nonParsable = true
			}
		} else {
			callErr = fmt.Errorf("status %d", statusCode)
		}
		return nil
	})

	if timeoutErr != nil {
		return Fields{}, classify.Classify(classify.Input{IsTimeout: true}), timeoutErr
	}
	if callErr == nil && !nonParsable && statusCode >= 200 && statusCode < 300 {
		return fields, classify.Classification{}, nil
	}

	cls := classify.Classify(classify.Input{
		StatusCode:      statusCode,
		ErrMessage:      errMessage(callErr),
		NonParsableJSON: nonParsable,
	})
	return Fields{}, cls, fmt.Errorf("generator call failed")
}

func (c *Client) rewrite(ctx context.Context, jobType, lang string, fields Fields, cb Callbacks) (Fields, error) {
	hints := Hints{Payload: map[string]any{"rewriteOf": fields}}
	return c.callWithRetry(ctx, jobType, lang, hints, cb)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func buildRequest(jobType, lang string, hints Hints) ([]byte, error) {
	norm := lang
	if tag, err := language.Parse(lang); err == nil {
		base, _ := tag.Base()
		norm = base.String()
	}

	schema := map[string]any{}
	switch jobType {
	case models.JobTypeProductSeo, models.JobTypeBlogSeo:
		schema = map[string]any{"seoTitle": "string", "seoDescription": "string"}
	case models.JobTypeImageAlt:
		schema = map[string]any{"altText": "string"}
	}

	req := map[string]any{
		"language":         norm,
		"brandName":        hints.BrandName,
		"tone":             hints.Tone,
		"brandVoice":       hints.BrandVoice,
		"targetKeyword":    hints.TargetKeyword,
		"requiredKeywords": capList(hints.RequiredKeywords, 10),
		"bannedWords":      capList(hints.BannedWords, 30),
		"capitalization":   hints.Capitalization,
		"emojiPolicy":      hints.EmojiPolicy,
		"payload":          hints.Payload,
		"responseSchema":   schema,
		"instruction":      "return ONLY valid JSON with keys matching responseSchema, written in " + norm,
	}
	return json.Marshal(req)
}

func capList(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[:max]
}

func texts(jobType string, f Fields) []string {
	switch jobType {
	case models.JobTypeImageAlt:
		return []string{f.AltText}
	default:
		return []string{f.SeoTitle, f.SeoDescription}
	}
}

var turkishChars = []rune{'ç', 'ğ', 'ı', 'ö', 'ş', 'ü'}

var commonEnglishTokens = []string{" the ", " and ", " with ", " for ", " this ", " that ", " is ", " are "}
var commonTurkishTokens = []string{" ve ", " bir ", " için ", " ile ", " bu ", " çok "}

// isLanguageMismatch is a cheap heuristic, conservative by default: it only
// flags English-in-Turkish and Turkish-in-English, the two cases this
// backend actually sees in practice.
func isLanguageMismatch(lang string, texts []string) bool {
	joined := strings.ToLower(strings.Join(texts, " "))
	if joined == "" {
		return false
	}

	base := lang
	if tag, err := language.Parse(lang); err == nil {
		b, _ := tag.Base()
		base = b.String()
	}

	switch base {
	case "tr":
		hasTurkishChar := containsAny(joined, turkishChars)
		englishHits := countHits(joined, commonEnglishTokens)
		turkishHits := countHits(joined, commonTurkishTokens)
		return !hasTurkishChar && englishHits >= 3 && turkishHits == 0
	case "en":
		return containsAny(joined, turkishChars)
	default:
		return false
	}
}

func containsAny(s string, runes []rune) bool {
	for _, r := range runes {
		if strings.ContainsRune(s, r) {
			return true
		}
	}
	return false
}

func countHits(s string, tokens []string) int {
	n := 0
	for _, t := range tokens {
		if strings.Contains(s, t) {
			n++
		}
	}
	return n
}

// truncate hard-truncates fields to their jobType-specific max lengths by
// character count, applied only after a value is accepted.
func truncate(jobType string, f Fields) Fields {
	switch jobType {
	case models.JobTypeProductSeo:
		f.SeoTitle = truncateRunes(f.SeoTitle, models.ProductTitleMax)
		f.SeoDescription = truncateRunes(f.SeoDescription, models.ProductDescriptionMax)
	case models.JobTypeBlogSeo:
		f.SeoTitle = truncateRunes(f.SeoTitle, models.ArticleTitleMax)
		f.SeoDescription = truncateRunes(f.SeoDescription, models.ArticleDescriptionMax)
	case models.JobTypeImageAlt:
		f.AltText = truncateRunes(f.AltText, models.ImageAltMax)
	}
	return f
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
