package model

import "strings"

// TokenMode selects the on-chain trading mechanism of a token.
type TokenMode uint8

const (
	TokenModeOrdinary TokenMode = 0
	TokenModeManaged  TokenMode = 1
)

func (m TokenMode) String() string {
	if m == TokenModeManaged {
		return "managed"
	}
	return "ordinary"
}

// TokenDynamic holds market data for a token. Nil fields were not reported.
type TokenDynamic struct {
	Holders   *int64   `json:"holders,omitempty"`
	Top10Pct  *float64 `json:"top10_pct,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`
	PriceUSD  *float64 `json:"price_usd,omitempty"`
	MarketCap *float64 `json:"market_cap,omitempty"`
	Liquidity *float64 `json:"liquidity,omitempty"`
}

// TokenLink is one social link from token metadata.
type TokenLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// TokenMeta captures launch metadata.
type TokenMeta struct {
	Name       string      `json:"name"`
	Symbol     string      `json:"symbol"`
	CreateTime *int64      `json:"create_time,omitempty"`
	Creator    string      `json:"creator,omitempty"`
	Links      []TokenLink `json:"links,omitempty"`
}

// HasSocial reports whether any of x, telegram or website is linked.
func (m *TokenMeta) HasSocial() bool {
	if m == nil {
		return false
	}
	for _, link := range m.Links {
		if link.URL == "" {
			continue
		}
		switch strings.ToLower(link.Label) {
		case "x", "twitter", "tg", "telegram", "website":
			return true
		}
	}
	return false
}

// TokenSnapshot is everything the filter evaluator looks at.
type TokenSnapshot struct {
	Address string        `json:"address"`
	Dynamic *TokenDynamic `json:"dynamic,omitempty"`
	Meta    *TokenMeta    `json:"meta,omitempty"`
}

// DisplayName returns the symbol, the name, or a shortened address.
func (s TokenSnapshot) DisplayName() string {
	if s.Meta != nil {
		if s.Meta.Symbol != "" {
			return s.Meta.Symbol
		}
		if s.Meta.Name != "" {
			return s.Meta.Name
		}
	}
	if len(s.Address) > 10 {
		return s.Address[:6] + "…" + s.Address[len(s.Address)-4:]
	}
	return s.Address
}
