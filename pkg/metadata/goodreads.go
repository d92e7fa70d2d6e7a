package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const goodreadsBaseURL = "https://www.goodreads.com"

// GoodreadsResolver scrapes book details from Goodreads search results.
type GoodreadsResolver struct {
	client  *http.Client
	baseURL string
}

func NewGoodreadsResolver(client *http.Client) *GoodreadsResolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GoodreadsResolver{client: client, baseURL: goodreadsBaseURL}
}

func (g *GoodreadsResolver) Resolve(ctx context.Context, q Query) (*Metadata, error) {
	log := logger.FromContext(ctx)

	query := q.Title
	if q.Author != "" {
		query = fmt.Sprintf("%s %s", q.Title, q.Author)
	}

	searchURL := fmt.Sprintf("%s/search?q=%s", g.baseURL, url.QueryEscape(query))
	searchDoc, err := g.fetch(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	if searchDoc == nil {
		return nil, nil
	}

	bookURL, ok := searchDoc.Find("table.tableList tr a.bookTitle").First().Attr("href")
	if !ok {
		log.Debug("no book found in goodreads search", logger.Data{"query": query})
		return nil, nil
	}
	if !strings.HasPrefix(bookURL, "http") {
		bookURL = g.baseURL + bookURL
	}

	detailDoc, err := g.fetch(ctx, bookURL)
	if err != nil {
		return nil, err
	}
	if detailDoc == nil {
		return nil, nil
	}

	meta := parseGoodreadsDetails(detailDoc)
	if meta.Title != nil {
		log.Info("metadata extracted from goodreads", logger.Data{"title": *meta.Title})
	}
	return meta, nil
}

// fetch returns a parsed document, nil on a non-200 we should silently give
// up on, or an error on throttling so the job retries later.
func (g *GoodreadsResolver) fetch(ctx context.Context, rawURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, errors.Errorf("goodreads rate limit or unavailable: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		logger.FromContext(ctx).Warn("goodreads request failed", logger.Data{
			"url":         rawURL,
			"status_code": resp.StatusCode,
		})
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return doc, nil
}

func parseGoodreadsDetails(doc *goquery.Document) *Metadata {
	meta := &Metadata{}

	title := doc.Find(`h1[data-testid="bookTitle"]`).First()
	if title.Length() == 0 {
		title = doc.Find("#bookTitle").First()
	}
	if t := strings.TrimSpace(title.Text()); t != "" {
		meta.Title = &t
	}

	author := doc.Find(".authorName").First()
	if author.Length() == 0 {
		author = doc.Find(`span[data-testid="name"]`).First()
	}
	if a := strings.TrimSpace(author.Text()); a != "" {
		meta.Author = &a
	}

	desc := doc.Find("#description span").First()
	if desc.Length() == 0 {
		desc = doc.Find(`div[data-testid="description"]`).First()
	}
	if html, err := desc.Html(); err == nil {
		if d := strings.TrimSpace(html); d != "" {
			meta.Description = &d
		}
	}

	rating := strings.TrimSpace(doc.Find("[itemprop=ratingValue]").First().Text())
	if r, err := strconv.ParseFloat(rating, 64); err == nil {
		meta.Rating = &r
	}

	img := doc.Find("#coverImage").First()
	if img.Length() == 0 {
		img = doc.Find("img.ResponsiveImage").First()
	}
	if src, ok := img.Attr("src"); ok && src != "" {
		meta.CoverPath = &src
	}

	return meta
}
