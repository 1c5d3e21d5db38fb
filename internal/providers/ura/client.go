package ura

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/propsight/propsight-backend/internal/adapter"
	"github.com/propsight/propsight-backend/internal/domain"
	"github.com/propsight/propsight-backend/internal/logger"
)

const (
	// tokenPath issues a daily bearer token for the configured access key
	tokenPath = "/insertNewToken.action"
	// dataPath serves the paginated private-residential transaction dataset
	dataPath = "/invokeUraDS"
	// transactionService is the dataset identifier for resi transactions
	transactionService = "PMI_Resi_Transaction"

	// statusSuccess is the envelope status the authority returns on success
	statusSuccess = "Success"

	// tokenSafetyMargin is subtracted from the token TTL so we never present a
	// token in its final minutes of validity
	tokenSafetyMargin = 5 * time.Minute
)

// Config holds the authority client configuration
type Config struct {
	BaseURL           string
	AccessKey         string
	TokenTTL          time.Duration
	BatchCount        int
	RequestsPerMinute int
}

// Client defines the interface for authority API operations to enable mocking
type Client interface {
	// GetToken returns a cached bearer token if unexpired, otherwise requests
	// a fresh one
	GetToken(ctx context.Context) (string, error)

	// FetchBatch fetches and decodes one partition of the dataset
	FetchBatch(ctx context.Context, batch int) ([]RawProject, error)

	// FetchAllBatches iterates partitions in order, invoking fn for each with
	// either the decoded project list or the batch's error. Iteration stops
	// when fn returns false or the context is cancelled.
	FetchAllBatches(ctx context.Context, fn func(batch int, projects []RawProject, err error) bool)

	// BatchCount returns the fixed number of partitions the authority exposes
	BatchCount() int
}

// uraClient implements Client against the URA data service
type uraClient struct {
	config     Config
	httpClient adapter.HTTPClient
	clock      adapter.Clock
	limiter    *rate.Limiter

	// token cache: process-wide state with lifetime = token validity window,
	// cleared on credential rejection
	mu           sync.Mutex
	token        string
	tokenFetched time.Time
}

// NewClient creates a new authority API client. Outbound calls are paced to
// the documented per-minute request ceiling.
func NewClient(cfg Config, httpClient adapter.HTTPClient, clock adapter.Clock) Client {
	if cfg.BatchCount <= 0 {
		cfg.BatchCount = 4
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 6
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}

	return &uraClient{
		config:     cfg,
		httpClient: httpClient,
		clock:      clock,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
	}
}

// BatchCount returns the fixed number of partitions the authority exposes
func (c *uraClient) BatchCount() int {
	return c.config.BatchCount
}

// GetToken returns the cached token while it is inside its validity window,
// otherwise requests a fresh one
func (c *uraClient) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.config.TokenTTL - tokenSafetyMargin
	if c.token != "" && c.clock.Since(c.tokenFetched) < ttl {
		return c.token, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &domain.TransientError{Err: err}
	}

	body, err := c.httpClient.GetRaw(ctx, c.config.BaseURL+tokenPath, map[string]string{
		"AccessKey": c.config.AccessKey,
	})
	if err != nil {
		c.token = ""
		return "", classifyTokenError(err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.token = ""
		return "", &domain.TokenError{StatusCode: http.StatusOK, Msg: fmt.Sprintf("malformed token response: %v", err)}
	}
	if resp.Status != statusSuccess || resp.Result == "" {
		c.token = ""
		return "", &domain.TokenError{StatusCode: http.StatusOK, Msg: fmt.Sprintf("authority rejected token request: %s", resp.Message)}
	}

	c.token = resp.Result
	c.tokenFetched = c.clock.Now()
	logger.InfoCtx(ctx, "Obtained authority access token")

	return c.token, nil
}

// FetchBatch fetches one partition of the dataset. Transient failures have
// already been retried with backoff by the HTTP adapter; a malformed payload
// surfaces as a DataError that aborts only this batch.
func (c *uraClient) FetchBatch(ctx context.Context, batch int) ([]RawProject, error) {
	if batch < 1 || batch > c.config.BatchCount {
		return nil, &domain.DataError{Msg: fmt.Sprintf("batch %d out of range 1..%d", batch, c.config.BatchCount)}
	}

	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.TransientError{Err: err}
	}

	url := fmt.Sprintf("%s%s?service=%s&batch=%d", c.config.BaseURL, dataPath, transactionService, batch)
	body, err := c.httpClient.GetRaw(ctx, url, map[string]string{
		"AccessKey": c.config.AccessKey,
		"Token":     token,
	})
	if err != nil {
		return nil, classifyBatchError(err)
	}

	var resp batchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.DataError{Msg: "malformed batch payload", Err: err}
	}
	if resp.Status != statusSuccess {
		return nil, &domain.DataError{Msg: fmt.Sprintf("authority returned status %q: %s", resp.Status, resp.Message)}
	}

	logger.InfoCtx(ctx, "Fetched authority batch",
		zap.Int("batch", batch),
		zap.Int("projects", len(resp.Result)),
	)

	return resp.Result, nil
}

// FetchAllBatches iterates partitions lazily; the consumer decides whether to
// continue past a failed batch
func (c *uraClient) FetchAllBatches(ctx context.Context, fn func(batch int, projects []RawProject, err error) bool) {
	for batch := 1; batch <= c.config.BatchCount; batch++ {
		if ctx.Err() != nil {
			return
		}
		projects, err := c.FetchBatch(ctx, batch)
		if !fn(batch, projects, err) {
			return
		}
	}
}

// classifyTokenError maps transport failures on the token endpoint onto the
// engine's error taxonomy: credential rejections are fatal, everything else
// is transient
func classifyTokenError(err error) error {
	var statusErr *adapter.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
			return &domain.TokenError{StatusCode: statusErr.StatusCode, Msg: statusErr.Body}
		}
	}
	return &domain.TransientError{Err: err}
}

// classifyBatchError maps transport failures on the data endpoint: auth
// rejections stay fatal, other permanent statuses abort only the batch, and
// exhausted retries are transient
func classifyBatchError(err error) error {
	var statusErr *adapter.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return &domain.TokenError{StatusCode: statusErr.StatusCode, Msg: statusErr.Body}
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
			return &domain.DataError{Msg: fmt.Sprintf("non-retryable response (status %d)", statusErr.StatusCode), Err: statusErr}
		}
	}
	return &domain.TransientError{Err: err}
}
