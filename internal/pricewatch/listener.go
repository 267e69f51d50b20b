package pricewatch

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// Kind is the listener variant.
type Kind string

const (
	KindLimit      Kind = "limit"
	KindTakeProfit Kind = "tp"
	KindStopLoss   Kind = "sl"
)

// WalletSnapshot is the wallet data a listener carries so a trigger can trade
// without a storage round-trip. The key is never written to the snapshot file.
type WalletSnapshot struct {
	ID          int64           `json:"id"`
	Address     string          `json:"address"`
	PrivateKey  string          `json:"privateKey,omitempty"`
	Number      int             `json:"walletNumber,omitempty"`
	BribeAmount decimal.Decimal `json:"bribeAmount"`
}

// SnapshotOf copies the trade-relevant fields of w.
func SnapshotOf(w model.Wallet) *WalletSnapshot {
	return &WalletSnapshot{
		ID:          w.ID,
		Address:     w.Address,
		PrivateKey:  w.PrivateKey,
		Number:      w.Number,
		BribeAmount: w.BribeAmount,
	}
}

// Wallet turns the snapshot back into a model.Wallet usable as an override.
func (s *WalletSnapshot) Wallet(accountID int64) model.Wallet {
	return model.Wallet{
		ID:          s.ID,
		AccountID:   accountID,
		Number:      s.Number,
		Address:     s.Address,
		PrivateKey:  s.PrivateKey,
		BribeAmount: s.BribeAmount,
	}
}

// LimitSpec buys once the price drops DropPct below Initial.
type LimitSpec struct {
	Initial      float64         `json:"initial"`
	DropPct      float64         `json:"dropPct"`
	BuyAmount    decimal.Decimal `json:"buyAmount"`
	Slippage     float64         `json:"slippage"`
	GasPriceGwei decimal.Decimal `json:"gasPrice"`
}

// ExitSpec sells SellPercent of the balance once the price moves Percent away
// from Baseline. Percent is always positive; the kind gives the direction.
type ExitSpec struct {
	Baseline     float64         `json:"baseline"`
	Percent      float64         `json:"percent"`
	SellPercent  float64         `json:"sellPercent"`
	Slippage     float64         `json:"slippage"`
	GasPriceGwei decimal.Decimal `json:"gasPrice"`
}

// Listener is one trigger on one token. Exactly one of Limit and Exit is set,
// matching Kind.
type Listener struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	AccountID int64           `json:"userId"`
	WalletID  int64           `json:"walletId"`
	GroupID   string          `json:"groupId,omitempty"`
	Mode      model.Mode      `json:"mode,omitempty"`
	Wallet    *WalletSnapshot `json:"walletData,omitempty"`
	Paused    bool            `json:"paused,omitempty"`
	Triggered bool            `json:"triggered"`

	Limit *LimitSpec `json:"limit,omitempty"`
	Exit  *ExitSpec  `json:"exit,omitempty"`
}

// Validate checks that the variant payload matches Kind.
func (l *Listener) Validate() error {
	switch l.Kind {
	case KindLimit:
		if l.Limit == nil || l.Exit != nil {
			return fmt.Errorf("limit listener needs a limit payload only")
		}
	case KindTakeProfit, KindStopLoss:
		if l.Exit == nil || l.Limit != nil {
			return fmt.Errorf("%s listener needs an exit payload only", l.Kind)
		}
	default:
		return fmt.Errorf("unknown listener kind %q", l.Kind)
	}
	return nil
}

// Armed reports whether the listener can still fire.
func (l *Listener) Armed() bool {
	return !l.Triggered && !l.Paused
}

// Clone returns a deep copy.
func (l *Listener) Clone() *Listener {
	c := *l
	if l.Wallet != nil {
		w := *l.Wallet
		c.Wallet = &w
	}
	if l.Limit != nil {
		s := *l.Limit
		c.Limit = &s
	}
	if l.Exit != nil {
		s := *l.Exit
		c.Exit = &s
	}
	return &c
}

// Redacted returns a copy without key material.
func (l *Listener) Redacted() *Listener {
	c := l.Clone()
	if c.Wallet != nil {
		c.Wallet.PrivateKey = ""
	}
	return c
}

// ListenerFilter selects listeners for removal. Set fields are ANDed; a filter
// with no fields set matches nothing.
type ListenerFilter struct {
	ID       string `json:"id,omitempty"`
	WalletID int64  `json:"walletId,omitempty"`
	Kind     Kind   `json:"kind,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
}

func (f *ListenerFilter) empty() bool {
	return f == nil || (f.ID == "" && f.WalletID == 0 && f.Kind == "" && f.GroupID == "")
}

// Match reports whether l is selected by f.
func (f *ListenerFilter) Match(l *Listener) bool {
	if f.empty() {
		return false
	}
	if f.ID != "" && f.ID != l.ID {
		return false
	}
	if f.WalletID != 0 && f.WalletID != l.WalletID {
		return false
	}
	if f.Kind != "" && f.Kind != l.Kind {
		return false
	}
	if f.GroupID != "" && f.GroupID != l.GroupID {
		return false
	}
	return true
}

// ListenerPatch is applied to every listener of a group. Nil fields are left
// unchanged.
type ListenerPatch struct {
	Active       *bool            `json:"active,omitempty"`
	Percent      *float64         `json:"percent,omitempty"`
	SellPercent  *float64         `json:"sellPercent,omitempty"`
	Slippage     *float64         `json:"slippage,omitempty"`
	GasPriceGwei *decimal.Decimal `json:"gasPrice,omitempty"`
}

// Apply mutates l in place.
func (p *ListenerPatch) Apply(l *Listener) {
	if p == nil {
		return
	}
	if p.Active != nil {
		l.Paused = !*p.Active
	}
	if l.Exit != nil {
		if p.Percent != nil {
			l.Exit.Percent = *p.Percent
		}
		if p.SellPercent != nil {
			l.Exit.SellPercent = *p.SellPercent
		}
		if p.Slippage != nil {
			l.Exit.Slippage = *p.Slippage
		}
		if p.GasPriceGwei != nil {
			l.Exit.GasPriceGwei = *p.GasPriceGwei
		}
	}
	if l.Limit != nil {
		if p.Slippage != nil {
			l.Limit.Slippage = *p.Slippage
		}
		if p.GasPriceGwei != nil {
			l.Limit.GasPriceGwei = *p.GasPriceGwei
		}
	}
}

// NormalizeToken lowercases a token address for use as a map key.
func NormalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}
