package storeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SeoWriteRequest describes which fields a job is configured to write and
// the generated values to write them with.
type SeoWriteRequest struct {
	WriteTitle       bool
	WriteDescription bool
	Title            string
	Description      string
}

const metafieldsSetMutation = `
mutation MetafieldsSet($metafields: [MetafieldsSetInput!]!) {
  metafieldsSet(metafields: $metafields) {
    metafields { id }
    userErrors { field message }
  }
}`

type metafieldsSetResult struct {
	MetafieldsSet struct {
		UserErrors []struct {
			Message string `json:"message"`
		} `json:"userErrors"`
	} `json:"metafieldsSet"`
}

// WriteProductSeo writes the generated title/description into the
// global.title_tag / global.description_tag metafields, applying the
// backfill and never-write-empty rules.
func (c *Client) WriteProductSeo(ctx context.Context, id string, req SeoWriteRequest, cb Callbacks) error {
	product, err := c.FetchProduct(ctx, id, cb)
	if err != nil {
		return fmt.Errorf("read before write: %w", err)
	}

	metafields := []map[string]any{}
	wroteTitle, wroteDescription := false, false

	if req.WriteTitle && nonEmptyTrimmed(req.Title) {
		metafields = append(metafields, metafieldInput(id, "title_tag", req.Title))
		wroteTitle = true
	}
	if req.WriteDescription && nonEmptyTrimmed(req.Description) {
		metafields = append(metafields, metafieldInput(id, "description_tag", req.Description))
		wroteDescription = true
	}

	// Backfill rule: if writing only one side, and the job wants both, and
	// the other metafield is currently empty while the native seo field
	// has a live counterpart, carry the native value over too.
	if wroteTitle && !wroteDescription && req.WriteDescription && product.MetaDescription == "" && nonEmptyTrimmed(product.SeoDescription) {
		metafields = append(metafields, metafieldInput(id, "description_tag", product.SeoDescription))
	}
	if wroteDescription && !wroteTitle && req.WriteTitle && product.MetaTitle == "" && nonEmptyTrimmed(product.SeoTitle) {
		metafields = append(metafields, metafieldInput(id, "title_tag", product.SeoTitle))
	}

	if len(metafields) == 0 {
		return nil
	}
	return c.runMetafieldsSet(ctx, metafields, cb)
}

// WriteArticleSeo writes the generated title/description for an article
// under its normalized Article GID. On an "Invalid id" error it checks the
// id with a node(id:) lookup and reports a missing article; it does not
// retry under another GID form.
func (c *Client) WriteArticleSeo(ctx context.Context, id string, req SeoWriteRequest, cb Callbacks) error {
	gid := NormalizeArticleGID(id)

	metafields := []map[string]any{}
	if req.WriteTitle && nonEmptyTrimmed(req.Title) {
		metafields = append(metafields, metafieldInput(gid, "title_tag", req.Title))
	}
	if req.WriteDescription && nonEmptyTrimmed(req.Description) {
		metafields = append(metafields, metafieldInput(gid, "description_tag", req.Description))
	}
	if len(metafields) == 0 {
		return nil
	}

	err := c.runMetafieldsSet(ctx, metafields, cb)
	if err != nil && strings.Contains(err.Error(), "Invalid id") {
		// Don't blindly retry with the alternate OnlineStoreArticle typename;
		// preflight the id first.
		if ok, preflightErr := c.nodeExists(ctx, gid, cb); preflightErr == nil && !ok {
			return fmt.Errorf("article id not found via node(id:): %s", gid)
		}
		return err
	}
	return err
}

// WriteImageAlt sets a single media item's alt text.
func (c *Client) WriteImageAlt(ctx context.Context, productID, mediaID, alt string) error {
	if !nonEmptyTrimmed(alt) {
		return nil
	}
	query := `
mutation ProductUpdateMedia($productId: ID!, $media: [UpdateMediaInput!]!) {
  productUpdateMedia(productId: $productId, media: $media) {
    media { id }
    mediaUserErrors { field message }
  }
}`
	vars := map[string]any{
		"productId": productID,
		"media":     []map[string]any{{"id": mediaID, "alt": alt}},
	}
	_, err := c.graphqlWithRetry(ctx, query, vars, Callbacks{})
	return err
}

func (c *Client) runMetafieldsSet(ctx context.Context, metafields []map[string]any, cb Callbacks) error {
	data, err := c.graphqlWithRetry(ctx, metafieldsSetMutation, map[string]any{"metafields": metafields}, cb)
	if err != nil {
		return err
	}
	var result metafieldsSetResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decode metafieldsSet result: %w", err)
	}
	if len(result.MetafieldsSet.UserErrors) > 0 {
		msgs := make([]string, 0, len(result.MetafieldsSet.UserErrors))
		for _, e := range result.MetafieldsSet.UserErrors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

func (c *Client) nodeExists(ctx context.Context, gid string, cb Callbacks) (bool, error) {
	query := `query NodeExists($id: ID!) { node(id: $id) { id } }`
	data, err := c.graphqlWithRetry(ctx, query, map[string]any{"id": gid}, cb)
	if err != nil {
		return false, err
	}
	var wrapper struct {
		Node *struct{ ID string } `json:"node"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return false, err
	}
	return wrapper.Node != nil, nil
}

func metafieldInput(ownerID, key, value string) map[string]any {
	return map[string]any{
		"ownerId": ownerID,
		"namespace": "global",
		"key":       key,
		"type":      "single_line_text_field",
		"value":     value,
	}
}

func nonEmptyTrimmed(s string) bool {
	return strings.TrimSpace(s) != ""
}

// NormalizeArticleGID accepts a bare numeric id or an existing GID and
// returns the canonical "gid://store/Article/<n>" form.
func NormalizeArticleGID(id string) string {
	if strings.HasPrefix(id, "gid://") {
		parts := strings.Split(id, "/")
		n := parts[len(parts)-1]
		if _, err := strconv.ParseInt(n, 10, 64); err == nil {
			return fmt.Sprintf("gid://store/Article/%s", n)
		}
		return id
	}
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return fmt.Sprintf("gid://store/Article/%s", id)
	}
	return id
}
