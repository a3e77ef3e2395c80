// Package quote talks to the swap aggregator: price quotes and unsigned
// swap transactions built from them.
package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/httputil"
)

const DefaultBaseURL = "https://quote-api.jup.ag/v6"

type Request struct {
	InputMint   string
	OutputMint  string
	Amount      string
	SlippageBps int
}

// Quote keeps the aggregator's raw response, which must be sent back
// unchanged when building the swap.
type Quote struct {
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct decimal.Decimal `json:"priceImpactPct"`
	SlippageBps    int             `json:"slippageBps"`
	Raw            json.RawMessage `json:"-"`
}

type SwapTransaction struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Each trade step is attempted once.
		retry: httputil.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}
}

func (c *Client) GetQuote(ctx context.Context, req Request) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", req.Amount)
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	endpoint := c.baseURL + "/quote?" + q.Encode()

	body, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUpstreamQuote, err)
	}

	parsed := gjson.ParseBytes(body)
	if msg := parsed.Get("error"); msg.Exists() {
		return nil, fmt.Errorf("%w: %s", apperr.ErrUpstreamQuote, msg.String())
	}
	out := &Quote{
		InAmount:    parsed.Get("inAmount").String(),
		OutAmount:   parsed.Get("outAmount").String(),
		SlippageBps: int(parsed.Get("slippageBps").Int()),
		Raw:         json.RawMessage(body),
	}
	if out.OutAmount == "" {
		return nil, fmt.Errorf("%w: response has no outAmount", apperr.ErrUpstreamQuote)
	}
	if pi := parsed.Get("priceImpactPct").String(); pi != "" {
		if d, err := decimal.NewFromString(pi); err == nil {
			out.PriceImpactPct = d
		}
	}
	return out, nil
}

// BuildSwap asks the aggregator for an unsigned swap transaction for
// quote, paid by wallet.
func (c *Client) BuildSwap(ctx context.Context, quote *Quote, wallet string) (*SwapTransaction, error) {
	payload, err := json.Marshal(map[string]any{
		"quoteResponse":           quote.Raw,
		"userPublicKey":           wallet,
		"wrapAndUnwrapSol":        true,
		"dynamicComputeUnitLimit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", apperr.ErrUpstreamBuild, err)
	}

	body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUpstreamBuild, err)
	}

	var out SwapTransaction
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", apperr.ErrUpstreamBuild, err)
	}
	if out.SwapTransaction == "" {
		return nil, fmt.Errorf("%w: empty swap transaction", apperr.ErrUpstreamBuild)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	resp, err := httputil.Do(ctx, c.httpClient, c.retry, build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	return body, nil
}
