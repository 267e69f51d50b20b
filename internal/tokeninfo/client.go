// Package tokeninfo fetches launch metadata and market data for BSC tokens
// from the Binance Web3 wallet API.
package tokeninfo

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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

const (
	DefaultURL = "https://web3.binance.com"
	DefaultTTL = 30 * time.Second

	dynamicPath = "/bapi/defi/v4/public/wallet-direct/buw/wallet/market/token/dynamic/info"
	metaPath    = "/bapi/defi/v1/public/wallet-direct/buw/wallet/dex/market/token/meta/info"

	bscChainID  = "56"
	successCode = "000000"
)

// Client fetches and caches token snapshots.
type Client struct {
	host       string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu      sync.Mutex
	dynamic map[string]cached[model.TokenDynamic]
	meta    map[string]cached[model.TokenMeta]
}

type cached[T any] struct {
	value   T
	fetched time.Time
}

func NewClient(host string, ttl time.Duration) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = DefaultURL
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("token info url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("token info url must be http(s), got %q", host)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		ttl:        ttl,
		now:        time.Now,
		dynamic:    make(map[string]cached[model.TokenDynamic]),
		meta:       make(map[string]cached[model.TokenMeta]),
	}, nil
}

// Fetch loads dynamic data and metadata concurrently. A failure of one half
// leaves it nil; only a failure of both is an error.
func (c *Client) Fetch(ctx context.Context, token string) (model.TokenSnapshot, error) {
	snap := model.TokenSnapshot{Address: token}
	var dynErr, metaErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := c.Dynamic(gctx, token)
		if err != nil {
			dynErr = err
			return nil
		}
		snap.Dynamic = &d
		return nil
	})
	g.Go(func() error {
		m, err := c.Meta(gctx, token)
		if err != nil {
			metaErr = err
			return nil
		}
		snap.Meta = &m
		return nil
	})
	_ = g.Wait()

	if dynErr != nil && metaErr != nil {
		return snap, fmt.Errorf("token info %s: dynamic: %v; meta: %w", token, dynErr, metaErr)
	}
	return snap, nil
}

type envelope struct {
	Code    string          `json:"code"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type dynamicData struct {
	Holders   flexNumber `json:"holders"`
	Top10Pct  flexNumber `json:"top10HoldersPercentage"`
	Progress  flexNumber `json:"progress"`
	Price     flexNumber `json:"price"`
	MarketCap flexNumber `json:"marketCap"`
	Liquidity flexNumber `json:"liquidity"`
}

type metaData struct {
	Name        string              `json:"name"`
	Symbol      string              `json:"symbol"`
	CreateTime  flexNumber          `json:"createTime"`
	Creator     string              `json:"creatorAddress"`
	Links       []linkData          `json:"links"`
	PreviewLink map[string][]string `json:"previewLink"`
}

type linkData struct {
	Label string `json:"label"`
	Link  string `json:"link"`
}

// Dynamic returns holder, concentration, progress and price data.
func (c *Client) Dynamic(ctx context.Context, token string) (model.TokenDynamic, error) {
	key := strings.ToLower(token)
	c.mu.Lock()
	hit, ok := c.dynamic[key]
	c.mu.Unlock()
	if ok && c.now().Sub(hit.fetched) < c.ttl {
		return hit.value, nil
	}

	var data dynamicData
	if err := c.get(ctx, dynamicPath, token, &data); err != nil {
		return model.TokenDynamic{}, err
	}
	out := model.TokenDynamic{
		Top10Pct:  data.Top10Pct.ptr(),
		Progress:  data.Progress.ptr(),
		PriceUSD:  data.Price.ptr(),
		MarketCap: data.MarketCap.ptr(),
		Liquidity: data.Liquidity.ptr(),
	}
	if h := data.Holders.ptr(); h != nil {
		v := int64(*h)
		out.Holders = &v
	}

	c.mu.Lock()
	c.dynamic[key] = cached[model.TokenDynamic]{value: out, fetched: c.now()}
	c.mu.Unlock()
	return out, nil
}

// Meta returns name, symbol, creation time and social links.
func (c *Client) Meta(ctx context.Context, token string) (model.TokenMeta, error) {
	key := strings.ToLower(token)
	c.mu.Lock()
	hit, ok := c.meta[key]
	c.mu.Unlock()
	if ok && c.now().Sub(hit.fetched) < c.ttl {
		return hit.value, nil
	}

	var data metaData
	if err := c.get(ctx, metaPath, token, &data); err != nil {
		return model.TokenMeta{}, err
	}
	out := model.TokenMeta{Name: data.Name, Symbol: data.Symbol, Creator: data.Creator}
	if ts := data.CreateTime.ptr(); ts != nil {
		v := int64(*ts)
		out.CreateTime = &v
	}
	for _, l := range data.Links {
		out.Links = append(out.Links, model.TokenLink{Label: l.Label, URL: l.Link})
	}
	for label, urls := range data.PreviewLink {
		for _, u := range urls {
			if u != "" {
				out.Links = append(out.Links, model.TokenLink{Label: label, URL: u})
			}
		}
	}

	c.mu.Lock()
	c.meta[key] = cached[model.TokenMeta]{value: out, fetched: c.now()}
	c.mu.Unlock()
	return out, nil
}

func (c *Client) get(ctx context.Context, path, token string, out interface{}) error {
	q := url.Values{}
	q.Set("contractAddress", token)
	q.Set("chainId", bscChainID)
	endpoint := c.host + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		return fmt.Errorf("token info %s: status=%d body=%q", path, resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("token info decode: %w", err)
	}
	if !env.Success && env.Code != successCode {
		return fmt.Errorf("token info %s: code=%s message=%q", path, env.Code, env.Message)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return fmt.Errorf("token info %s: empty data", path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("token info decode data: %w", err)
	}
	return nil
}

// flexNumber accepts a JSON number or a numeric string. Absent, null, empty
// or unparsable values stay unset.
type flexNumber struct {
	value float64
	set   bool
}

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	f.value, f.set = v, true
	return nil
}

func (f flexNumber) ptr() *float64 {
	if !f.set {
		return nil
	}
	v := f.value
	return &v
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	lr := &io.LimitedReader{R: r, N: max}
	b, _ := io.ReadAll(lr)
	return strings.TrimSpace(string(b))
}
