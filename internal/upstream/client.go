// Package upstream implements the Polymarket Gamma and CLOB REST clients
// used by the collectors.
//
// The client (Client) talks to two hosts:
//   - Gamma API:  GET  /events — event + market metadata, paginated
//   - CLOB API:   POST /books  — batch order books (up to 20 tokens)
//     GET  /book, /price, /midpoint — single-token reads
//
// Every request goes through the matching sliding-window rate limiter and
// the shared retry policy. Responses that arrive as either a bare JSON
// array or a {"data": [...]} envelope are both accepted.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

const (
	userAgent      = "polymarket-collector/1.0"
	requestTimeout = 30 * time.Second
	pageLimit      = 100
	pagePause      = 100 * time.Millisecond
)

// Client is the combined Gamma + CLOB REST client.
type Client struct {
	gamma  *resty.Client
	clob   *resty.Client
	rl     *Limiters
	policy Policy
	logger *slog.Logger
}

// NewClient creates a client for the configured hosts with rate limiting
// and retry wired in.
func NewClient(cfg config.PolymarketConfig, rl *Limiters, logger *slog.Logger) *Client {
	gamma := resty.New().
		SetBaseURL(cfg.GammaHost).
		SetTimeout(requestTimeout).
		SetHeader("User-Agent", userAgent)

	clob := resty.New().
		SetBaseURL(cfg.CLOBHost).
		SetTimeout(requestTimeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Content-Type", "application/json")

	return &Client{
		gamma:  gamma,
		clob:   clob,
		rl:     rl,
		policy: DefaultPolicy(),
		logger: logger.With("component", "upstream"),
	}
}

// Close releases idle connections on both hosts.
func (c *Client) Close() {
	c.gamma.GetClient().CloseIdleConnections()
	c.clob.GetClient().CloseIdleConnections()
}

// retryAfter reads a response's Retry-After header (whole seconds form).
// Zero when absent or unparseable.
func retryAfter(resp *resty.Response) time.Duration {
	ra := resp.Header().Get("Retry-After")
	if ra == "" {
		return 0
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// statusErr converts a non-2xx resty response into a StatusError carrying
// the Retry-After hint when present.
func statusErr(resp *resty.Response) error {
	return &StatusError{
		Status:     resp.StatusCode(),
		Body:       resp.String(),
		RetryAfter: retryAfter(resp),
	}
}

// decodeList accepts either a bare JSON array or a {"data": [...]} envelope.
func decodeList(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("decode response: neither array nor data envelope")
	}
	return json.Unmarshal(envelope.Data, out)
}

// GetEvents fetches one page of events from the Gamma API, ordered by
// volume descending.
func (c *Client) GetEvents(ctx context.Context, active bool, limit, offset int) ([]types.GammaEvent, error) {
	if err := c.rl.Gamma.Acquire(ctx); err != nil {
		return nil, err
	}

	var events []types.GammaEvent
	err := Do(ctx, c.policy, c.logger, "get_events", func() error {
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"active":    strconv.FormatBool(active),
				"closed":    "false",
				"limit":     strconv.Itoa(limit),
				"offset":    strconv.Itoa(offset),
				"order":     "volume",
				"ascending": "false",
			}).
			Get("/events")
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		c.rl.Gamma.RecordResponse(resp.StatusCode(), retryAfter(resp))
		if resp.StatusCode() != http.StatusOK {
			return statusErr(resp)
		}
		events = events[:0]
		return decodeList(resp.Body(), &events)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// GetClosedEvents fetches one page of closed events, newest first.
// Used by the resolution tracker.
func (c *Client) GetClosedEvents(ctx context.Context, limit, offset int) ([]types.GammaEvent, error) {
	if err := c.rl.Gamma.Acquire(ctx); err != nil {
		return nil, err
	}

	var events []types.GammaEvent
	err := Do(ctx, c.policy, c.logger, "get_closed_events", func() error {
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"closed":    "true",
				"limit":     strconv.Itoa(limit),
				"offset":    strconv.Itoa(offset),
				"order":     "endDate",
				"ascending": "false",
			}).
			Get("/events")
		if err != nil {
			return fmt.Errorf("fetch closed events: %w", err)
		}
		c.rl.Gamma.RecordResponse(resp.StatusCode(), retryAfter(resp))
		if resp.StatusCode() != http.StatusOK {
			return statusErr(resp)
		}
		events = events[:0]
		return decodeList(resp.Body(), &events)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// GetAllActiveMarkets pages through /events until a short page or maxEvents,
// returning the raw market objects flattened across events. A short pause
// between pages keeps the request pattern polite independent of the limiter.
func (c *Client) GetAllActiveMarkets(ctx context.Context, maxEvents int) ([]json.RawMessage, error) {
	var markets []json.RawMessage
	offset := 0

	for {
		events, err := c.GetEvents(ctx, true, pageLimit, offset)
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", offset, err)
		}

		for _, evt := range events {
			markets = append(markets, evt.Markets...)
		}

		if len(events) < pageLimit {
			break
		}
		offset += pageLimit
		if maxEvents > 0 && offset >= maxEvents {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pagePause):
		}
	}

	return markets, nil
}

// bookParam is one element of the POST /books request body.
type bookParam struct {
	TokenID string `json:"token_id"`
}

// GetOrderbooks fetches books for up to 20 tokens in one request.
// The caller is responsible for chunking.
func (c *Client) GetOrderbooks(ctx context.Context, tokenIDs []string) ([]types.BookResponse, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}
	if err := c.rl.CLOBRead.Acquire(ctx); err != nil {
		return nil, err
	}

	params := make([]bookParam, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = bookParam{TokenID: id}
	}

	var books []types.BookResponse
	err := Do(ctx, c.policy, c.logger, "get_orderbooks", func() error {
		resp, err := c.clob.R().
			SetContext(ctx).
			SetBody(params).
			Post("/books")
		if err != nil {
			return fmt.Errorf("fetch books: %w", err)
		}
		c.rl.CLOBRead.RecordResponse(resp.StatusCode(), retryAfter(resp))
		if resp.StatusCode() != http.StatusOK {
			return statusErr(resp)
		}
		books = books[:0]
		return decodeList(resp.Body(), &books)
	})
	if err != nil {
		return nil, err
	}
	return books, nil
}

// GetOrderbook fetches the book for a single token.
func (c *Client) GetOrderbook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.CLOBRead.Acquire(ctx); err != nil {
		return nil, err
	}

	var book types.BookResponse
	err := Do(ctx, c.policy, c.logger, "get_orderbook", func() error {
		resp, err := c.clob.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&book).
			Get("/book")
		if err != nil {
			return fmt.Errorf("fetch book: %w", err)
		}
		c.rl.CLOBRead.RecordResponse(resp.StatusCode(), retryAfter(resp))
		if resp.StatusCode() != http.StatusOK {
			return statusErr(resp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// GetPrice fetches the current best price for a token on one side.
func (c *Client) GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error) {
	if err := c.rl.CLOBRead.Acquire(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Price string `json:"price"`
	}
	err := Do(ctx, c.policy, c.logger, "get_price", func() error {
		resp, err := c.clob.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"token_id": tokenID,
				"side":     string(side),
			}).
			SetResult(&result).
			Get("/price")
		if err != nil {
			return fmt.Errorf("fetch price: %w", err)
		}
		c.rl.CLOBRead.RecordResponse(resp.StatusCode(), retryAfter(resp))
		if resp.StatusCode() != http.StatusOK {
			return statusErr(resp)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result.Price, 64)
}

// GetMidpoint fetches the current midpoint for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.CLOBRead.Acquire(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Mid string `json:"mid"`
	}
	err := Do(ctx, c.policy, c.logger, "get_midpoint", func() error {
		resp, err := c.clob.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&result).
			Get("/midpoint")
		if err != nil {
			return fmt.Errorf("fetch midpoint: %w", err)
		}
		c.rl.CLOBRead.RecordResponse(resp.StatusCode(), retryAfter(resp))
		if resp.StatusCode() != http.StatusOK {
			return statusErr(resp)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result.Mid, 64)
}
