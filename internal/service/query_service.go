package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pengyuHush/novel-rag/internal/dto"
	"github.com/pengyuHush/novel-rag/internal/pkg/logger"
)

type IQueryService interface {
	// GetResult fetches the persisted record for a finished query. The
	// stream only carries a result id; the full detail lives behind REST.
	GetResult(ctx context.Context, resultID string) (*dto.QueryResultDetail, error)
}

type queryService struct {
	baseURL string
	client  *http.Client
	cache   *gocache.Cache
	logger  logger.ILogger
}

func NewQueryService(baseURL string, log logger.ILogger) IQueryService {
	return &queryService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
		logger:  log,
	}
}

func (s *queryService) GetResult(ctx context.Context, resultID string) (*dto.QueryResultDetail, error) {
	if resultID == "" {
		return nil, fmt.Errorf("result id is required")
	}

	if cached, ok := s.cache.Get(resultID); ok {
		detail := cached.(dto.QueryResultDetail)
		return &detail, nil
	}

	endpoint := fmt.Sprintf("%s/api/query/%s", s.baseURL, resultID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch query result: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query result fetch error (%d): %s", resp.StatusCode, string(bodyBytes))
	}

	var detail dto.QueryResultDetail
	if err := json.Unmarshal(bodyBytes, &detail); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}

	s.cache.Set(resultID, detail, gocache.DefaultExpiration)
	s.logger.Debug("QueryService", "Fetched query result", map[string]interface{}{
		"result_id": resultID,
	})
	return &detail, nil
}
