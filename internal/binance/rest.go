package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// RestClient talks to the futures REST API. Only public market-data
// endpoints are used; nothing is signed.
type RestClient struct {
	http *resty.Client
}

// NewRestClient builds a client for the given base URL
// (e.g. https://fapi.binance.com).
func NewRestClient(baseURL string) *RestClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &RestClient{http: c}
}

// Klines fetches up to limit closed bars oldest-first. endTime=0 means
// "newest"; otherwise only bars with open_time <= endTime are returned,
// which is how warmup pages backwards through history.
func (c *RestClient) Klines(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]Bar, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval).
		SetQueryParam("limit", strconv.Itoa(limit))
	if endTime > 0 {
		req.SetQueryParam("endTime", strconv.FormatInt(endTime, 10))
	}

	resp, err := req.Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch klines %s %s: status %d: %s", symbol, interval, resp.StatusCode(), resp.String())
	}

	var raw [][]any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}

	bars := make([]Bar, 0, len(raw))
	for _, tuple := range raw {
		bar, err := parseRestKline(tuple, "rest")
		if err != nil {
			return nil, fmt.Errorf("parse kline tuple: %w", err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// LatestFunding returns the most recent funding settlement for the symbol.
func (c *RestClient) LatestFunding(ctx context.Context, symbol string) (*FundingRate, error) {
	type fundingRow struct {
		Symbol      string `json:"symbol"`
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", "1").
		Get("/fapi/v1/fundingRate")
	if err != nil {
		return nil, fmt.Errorf("fetch funding rate %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch funding rate %s: status %d", symbol, resp.StatusCode())
	}

	var rows []fundingRow
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("decode funding response: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("funding rate %s: empty response", symbol)
	}

	rate, err := strconv.ParseFloat(rows[0].FundingRate, 64)
	if err != nil {
		return nil, fmt.Errorf("parse funding rate %q: %w", rows[0].FundingRate, err)
	}
	return &FundingRate{
		Symbol:      rows[0].Symbol,
		FundingTime: rows[0].FundingTime,
		Rate:        rate,
	}, nil
}
