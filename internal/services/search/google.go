package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"golang.org/x/time/rate"
)

const defaultEndpoint = "https://www.googleapis.com/customsearch/v1"

// The CSE API refuses start offsets past 1000.
const maxSearchOffset = 1000

// telegramLinkPattern matches links that point at a messaging channel
// rather than a crawlable webpage.
var telegramLinkPattern = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?(?:t\.me|telegram\.me|telegram\.org)/\S+`)

// Service runs keyword searches against the Google Custom Search API and
// seeds the pipeline: webpage results become items plus crawl tasks,
// channel links go straight to the telegram queue.
type Service struct {
	config   *common.SearchConfig
	items    interfaces.ItemStorage
	queue    interfaces.QueueManager
	client   *http.Client
	limiter  *rate.Limiter
	endpoint string
	logger   arbor.ILogger
}

// NewService creates a search service.
func NewService(config *common.SearchConfig, items interfaces.ItemStorage, queue interfaces.QueueManager, logger arbor.ILogger) *Service {
	interval := common.ParseDurationOr(config.RateLimit, 0)
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	return &Service{
		config:   config,
		items:    items,
		queue:    queue,
		client:   &http.Client{Timeout: common.ParseDurationOr(config.RequestTimeout, 0)},
		limiter:  limiter,
		endpoint: defaultEndpoint,
		logger:   logger,
	}
}

type searchResult struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	DisplayLink string `json:"displayLink"`
}

type searchResponse struct {
	Items []searchResult `json:"items"`
}

// Search runs every keyword and routes the results. Duplicate links are
// counted but not re-seeded; the unique link index makes this safe under
// concurrent search workers.
func (s *Service) Search(ctx context.Context, keywords []string, limit int) (*interfaces.SearchStats, error) {
	if s.config.APIKey == "" || s.config.SearchEngineID == "" {
		return nil, fmt.Errorf("search requires api_key and search_engine_id (VIGIL_SEARCH_API_KEY, VIGIL_SEARCH_ENGINE_ID)")
	}
	if limit <= 0 {
		limit = s.config.ResultLimit
	}

	stats := &interfaces.SearchStats{}
	for _, keyword := range keywords {
		results, err := s.searchKeyword(ctx, keyword, limit)
		if err != nil {
			return stats, fmt.Errorf("search for %q failed: %w", keyword, err)
		}
		for _, result := range results {
			if err := s.routeResult(ctx, result, stats); err != nil {
				return stats, err
			}
		}
	}

	s.logger.Info().
		Int("keywords", len(keywords)).
		Int("webpages", stats.Webpages).
		Int("telegram_links", stats.TelegramLinks).
		Int("duplicates", stats.Duplicates).
		Msg("Search run finished")
	return stats, nil
}

// searchKeyword pages through the CSE API until limit results are
// collected or the result set ends.
func (s *Service) searchKeyword(ctx context.Context, keyword string, limit int) ([]searchResult, error) {
	var results []searchResult

	for start := 1; len(results) < limit && start <= maxSearchOffset; start += 10 {
		if err := s.limiter.Wait(ctx); err != nil {
			return results, err
		}

		page, err := s.fetchPage(ctx, keyword, limit, start)
		if err != nil {
			return results, err
		}
		if len(page) == 0 {
			break
		}
		for _, item := range page {
			results = append(results, item)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (s *Service) fetchPage(ctx context.Context, keyword string, limit, start int) ([]searchResult, error) {
	num := limit
	if num > 10 {
		num = 10
	}

	params := url.Values{}
	params.Set("key", s.config.APIKey)
	params.Set("cx", s.config.SearchEngineID)
	params.Set("q", keyword)
	params.Set("gl", "kr")
	params.Set("hl", "ko")
	params.Set("num", strconv.Itoa(num))
	params.Set("start", strconv.Itoa(start))

	req, err := http.NewRequestWithContext(ctx, "GET", s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned status %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return decoded.Items, nil
}

func (s *Service) routeResult(ctx context.Context, result searchResult, stats *interfaces.SearchStats) error {
	if telegramLinkPattern.MatchString(result.Link) {
		msg, err := models.NewMessage("telegram", result.Link, models.TelegramPayload{
			Identifier: result.Link,
		})
		if err != nil {
			return err
		}
		if err := s.queue.Enqueue(ctx, models.QueueTelegram, msg); err != nil {
			return err
		}
		stats.TelegramLinks++
		return nil
	}

	item := &models.Item{
		ID:     common.NewItemID(),
		Title:  result.Title,
		Link:   result.Link,
		Domain: result.DisplayLink,
	}
	inserted, err := s.items.InsertItemIfAbsent(ctx, item)
	if err != nil {
		return fmt.Errorf("failed to store search result: %w", err)
	}
	if !inserted {
		stats.Duplicates++
		return nil
	}

	msg, err := models.NewMessage("crawl", item.ID, models.CrawlPayload{ItemID: item.ID})
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, models.QueueCrawl, msg); err != nil {
		return err
	}
	stats.Webpages++
	return nil
}
