package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DeliveryStatus is the provider's latest view of one message
type DeliveryStatus struct {
	ProviderMessageID string `json:"serverId"`
	Status            string `json:"status"`
	TotalParts        int64  `json:"totalParts"`
	DeliveredParts    int64  `json:"totalDeliveredParts"`
	UndeliveredParts  int64  `json:"totalUnDeliveredParts"`
}

// DeliveryStatusProvider reports delivery outcomes for accepted messages
type DeliveryStatusProvider interface {
	FetchStatuses(ctx context.Context, providerMessageIDs []string) ([]DeliveryStatus, error)
}

// DeliveryStatusClientConfig configures the provider report endpoint
type DeliveryStatusClientConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// HTTPDeliveryStatusClient polls the provider's status report endpoint
type HTTPDeliveryStatusClient struct {
	cfg     DeliveryStatusClientConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewHTTPDeliveryStatusClient(cfg DeliveryStatusClientConfig, logger zerolog.Logger) *HTTPDeliveryStatusClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPDeliveryStatusClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With().Str("component", "delivery_status_client").Logger(),
	}
}

func (c *HTTPDeliveryStatusClient) FetchStatuses(ctx context.Context, providerMessageIDs []string) ([]DeliveryStatus, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/status")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for _, id := range providerMessageIDs {
		if id = strings.TrimSpace(id); id != "" {
			q.Add("ids", id)
		}
	}
	if len(q["ids"]) == 0 {
		return nil, nil
	}
	u.RawQuery = q.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		body := strings.TrimSpace(string(bodyBytes))
		if readErr != nil {
			body = fmt.Sprintf("unable to read response body: %v", readErr)
		}
		c.logger.Warn().Int("status", resp.StatusCode).Int("ids", len(q["ids"])).Msg("status report request failed")
		return nil, fmt.Errorf("delivery status http status: %d, body: %s", resp.StatusCode, body)
	}

	var out []DeliveryStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode delivery status response: %w", err)
	}
	return out, nil
}
