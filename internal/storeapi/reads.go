package storeapi

import (
	"context"
	"encoding/json"
	"fmt"
)

// Product is the read-side shape of a store product relevant to SEO work.
type Product struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DescriptionHTML string  `json:"descriptionHtml"`
	SeoTitle        string  `json:"seoTitle"`
	SeoDescription  string  `json:"seoDescription"`
	MetaTitle       string  `json:"metaTitle"`
	MetaDescription string  `json:"metaDescription"`
	Media           []Media `json:"media"`
}

// Media is one product image.
type Media struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	Alt string `json:"alt"`
}

// Article is the read-side shape of a blog article relevant to SEO work.
type Article struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Body            string `json:"body"`
	MetaTitle       string `json:"metaTitle"`
	MetaDescription string `json:"metaDescription"`
}

const productQuery = `
query Product($id: ID!) {
  product(id: $id) {
    id title descriptionHtml
    seo { title description }
    metafieldTitleTag: metafield(namespace: "global", key: "title_tag") { value }
    metafieldDescriptionTag: metafield(namespace: "global", key: "description_tag") { value }
    media(first: 50) { nodes { id ... on MediaImage { image { url } alt } } }
  }
}`

const articleQuery = `
query Article($id: ID!) {
  article(id: $id) {
    id title body
    metafieldTitleTag: metafield(namespace: "global", key: "title_tag") { value }
    metafieldDescriptionTag: metafield(namespace: "global", key: "description_tag") { value }
  }
}`

// FetchProduct reads a product and the SEO-relevant native + metafield values.
func (c *Client) FetchProduct(ctx context.Context, id string, cb Callbacks) (Product, error) {
	data, err := c.graphqlWithRetry(ctx, productQuery, map[string]any{"id": id}, cb)
	if err != nil {
		return Product{}, err
	}
	var wrapper struct {
		Product struct {
			ID                       string `json:"id"`
			Title                    string `json:"title"`
			DescriptionHTML          string `json:"descriptionHtml"`
			Seo                      struct {
				Title       string `json:"title"`
				Description string `json:"description"`
			} `json:"seo"`
			MetafieldTitleTag       *struct{ Value string } `json:"metafieldTitleTag"`
			MetafieldDescriptionTag *struct{ Value string } `json:"metafieldDescriptionTag"`
			Media                   struct {
				Nodes []struct {
					ID    string `json:"id"`
					Image struct {
						URL string `json:"url"`
					} `json:"image"`
					Alt string `json:"alt"`
				} `json:"nodes"`
			} `json:"media"`
		} `json:"product"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return Product{}, fmt.Errorf("decode product: %w", err)
	}

	p := Product{
		ID: wrapper.Product.ID, Title: wrapper.Product.Title, DescriptionHTML: wrapper.Product.DescriptionHTML,
		SeoTitle: wrapper.Product.Seo.Title, SeoDescription: wrapper.Product.Seo.Description,
	}
	if wrapper.Product.MetafieldTitleTag != nil {
		p.MetaTitle = wrapper.Product.MetafieldTitleTag.Value
	}
	if wrapper.Product.MetafieldDescriptionTag != nil {
		p.MetaDescription = wrapper.Product.MetafieldDescriptionTag.Value
	}
	for _, n := range wrapper.Product.Media.Nodes {
		p.Media = append(p.Media, Media{ID: n.ID, URL: n.Image.URL, Alt: n.Alt})
	}
	return p, nil
}

// FetchArticle reads an article and its SEO metafields.
func (c *Client) FetchArticle(ctx context.Context, id string, cb Callbacks) (Article, error) {
	data, err := c.graphqlWithRetry(ctx, articleQuery, map[string]any{"id": id}, cb)
	if err != nil {
		return Article{}, err
	}
	var wrapper struct {
		Article struct {
			ID                      string                  `json:"id"`
			Title                   string                  `json:"title"`
			Body                    string                  `json:"body"`
			MetafieldTitleTag       *struct{ Value string } `json:"metafieldTitleTag"`
			MetafieldDescriptionTag *struct{ Value string } `json:"metafieldDescriptionTag"`
		} `json:"article"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return Article{}, fmt.Errorf("decode article: %w", err)
	}
	a := Article{ID: wrapper.Article.ID, Title: wrapper.Article.Title, Body: wrapper.Article.Body}
	if wrapper.Article.MetafieldTitleTag != nil {
		a.MetaTitle = wrapper.Article.MetafieldTitleTag.Value
	}
	if wrapper.Article.MetafieldDescriptionTag != nil {
		a.MetaDescription = wrapper.Article.MetafieldDescriptionTag.Value
	}
	return a, nil
}

// FetchImages resolves a product's media list, for jobs targeting images.
func (c *Client) FetchImages(ctx context.Context, productID string, cb Callbacks) ([]Media, error) {
	p, err := c.FetchProduct(ctx, productID, cb)
	if err != nil {
		return nil, err
	}
	return p.Media, nil
}

// FetchProductSeoBatch reads several products' SEO fields in one pass.
func (c *Client) FetchProductSeoBatch(ctx context.Context, ids []string, cb Callbacks) (map[string]Product, error) {
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		p, err := c.FetchProduct(ctx, id, cb)
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// FetchArticleSeoBatch reads several articles' SEO fields in one pass.
func (c *Client) FetchArticleSeoBatch(ctx context.Context, ids []string, cb Callbacks) (map[string]Article, error) {
	out := make(map[string]Article, len(ids))
	for _, id := range ids {
		a, err := c.FetchArticle(ctx, id, cb)
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}
