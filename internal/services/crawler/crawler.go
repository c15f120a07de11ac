package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// maxExtractedTextLength bounds what goes into the analysis prompt.
const maxExtractedTextLength = 4000

// Service fetches an item's page and stores the raw HTML plus the extracted
// text. Items without text never become eligible for analysis, so a page
// that keeps failing simply stays out of the batch pipeline.
type Service struct {
	config *common.CrawlerConfig
	items  interfaces.ItemStorage
	client *http.Client
	logger arbor.ILogger
}

// NewService creates a crawler service.
func NewService(config *common.CrawlerConfig, items interfaces.ItemStorage, logger arbor.ILogger) *Service {
	return &Service{
		config: config,
		items:  items,
		client: &http.Client{},
		logger: logger,
	}
}

// CrawlItem fetches the item's link and writes html and text onto the item.
// The per-attempt timeout grows by a second on every retry so slow pages
// get a fair second chance.
func (s *Service) CrawlItem(ctx context.Context, itemID string) error {
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", itemID, err)
	}
	if item.Link == "" {
		return fmt.Errorf("item %s has no link", itemID)
	}

	html, err := s.fetch(ctx, item.Link)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", item.Link, err)
	}

	text, err := ExtractText(html)
	if err != nil {
		s.logger.Warn().Err(err).Str("item_id", itemID).Msg("Text extraction failed, storing HTML only")
		text = ""
	}

	if err := s.items.SetItemContent(ctx, itemID, html, text); err != nil {
		return fmt.Errorf("failed to store crawl result for %s: %w", itemID, err)
	}

	s.logger.Info().
		Str("item_id", itemID).
		Str("link", item.Link).
		Int("html_bytes", len(html)).
		Int("text_chars", len(text)).
		Msg("Item crawled")
	return nil
}

func (s *Service) fetch(ctx context.Context, link string) (string, error) {
	maxRetries := s.config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	timeout := common.ParseDurationOr(s.config.RequestTimeout, time.Second)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		html, err := s.fetchOnce(ctx, link, timeout)
		if err == nil {
			return html, nil
		}
		lastErr = err
		s.logger.Warn().
			Err(err).
			Str("link", link).
			Int("attempt", attempt+1).
			Dur("timeout", timeout).
			Msg("Page fetch failed")
		timeout += time.Second
	}
	return "", fmt.Errorf("all %d attempts failed: %w", maxRetries, lastErr)
}

func (s *Service) fetchOnce(ctx context.Context, link string, timeout time.Duration) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ExtractText pulls the meaningful text out of a page: chrome tags are
// dropped, headings and meta descriptions come first, then the body text,
// deduplicated and capped.
func ExtractText(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, nav, header, footer, aside, noscript, iframe").Remove()

	var texts []string
	seen := make(map[string]bool)
	add := func(text string, minLen int) {
		text = strings.Join(strings.Fields(text), " ")
		if len(text) <= minLen || seen[text] {
			return
		}
		seen[text] = true
		texts = append(texts, text)
	}

	doc.Find("title, h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Text(), 3)
	})

	doc.Find(`meta[name="description"], meta[name="keywords"], meta[property="og:title"], meta[property="og:description"]`).
		Each(func(_ int, sel *goquery.Selection) {
			if content, ok := sel.Attr("content"); ok {
				add(content, 10)
			}
		})

	doc.Find("p, li, td, th, blockquote, article, section").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Text(), 5)
	})

	result := strings.Join(texts, " ")
	if len(result) > maxExtractedTextLength {
		cut := maxExtractedTextLength
		for cut > 0 && !utf8.RuneStart(result[cut]) {
			cut--
		}
		result = result[:cut]
	}
	return result, nil
}
