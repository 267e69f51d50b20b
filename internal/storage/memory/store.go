// Package memory is an in-process Store used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/storage"
)

type Store struct {
	mu      sync.RWMutex
	wallets map[int64]model.Wallet
	rules   map[int64]model.ExitRule
	trades  []model.TradeRecord
	nextID  int64
}

func New(wallets ...model.Wallet) *Store {
	s := &Store{
		wallets: make(map[int64]model.Wallet),
		rules:   make(map[int64]model.ExitRule),
	}
	for _, w := range wallets {
		s.PutWallet(w)
	}
	return s
}

// PutWallet inserts or replaces a wallet.
func (s *Store) PutWallet(w model.Wallet) {
	s.mu.Lock()
	s.wallets[w.ID] = w
	s.mu.Unlock()
}

// Trades returns a copy of every inserted record.
func (s *Store) Trades() []model.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.TradeRecord(nil), s.trades...)
}

func (s *Store) WalletByID(_ context.Context, accountID, walletID int64) (model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[walletID]
	if !ok || w.AccountID != accountID {
		return model.Wallet{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *Store) ActiveWallet(_ context.Context, accountID int64) (model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.sortedWallets() {
		if w.AccountID == accountID && w.Active {
			return w, nil
		}
	}
	return model.Wallet{}, storage.ErrNotFound
}

func (s *Store) AccountsWithFlag(_ context.Context, flag model.WalletFlag) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []int64
	for _, w := range s.sortedWallets() {
		if !hasFlag(w, flag) {
			continue
		}
		if _, ok := seen[w.AccountID]; ok {
			continue
		}
		seen[w.AccountID] = struct{}{}
		out = append(out, w.AccountID)
	}
	return out, nil
}

func (s *Store) WalletsWithFlag(_ context.Context, accountID int64, flag model.WalletFlag) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Wallet
	for _, w := range s.sortedWallets() {
		if w.AccountID == accountID && hasFlag(w, flag) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) SetWalletFlag(_ context.Context, walletID int64, flag model.WalletFlag, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return storage.ErrNotFound
	}
	switch flag {
	case model.FlagSniper:
		w.SniperEnabled = enabled
	case model.FlagSweep:
		w.SweepEnabled = enabled
	}
	s.wallets[walletID] = w
	return nil
}

func (s *Store) ExitRules(_ context.Context, walletID int64, kind model.ExitKind, mode model.Mode) ([]model.ExitRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ExitRule
	for _, r := range s.rules {
		if r.WalletID == walletID && r.Kind == kind && r.Mode == mode {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PricePercent == out[j].PricePercent {
			return out[i].ID < out[j].ID
		}
		return out[i].PricePercent < out[j].PricePercent
	})
	return out, nil
}

func (s *Store) SaveExitRule(_ context.Context, rule model.ExitRule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == 0 {
		s.nextID++
		rule.ID = s.nextID
	}
	s.rules[rule.ID] = rule
	return rule.ID, nil
}

func (s *Store) DeleteExitRule(_ context.Context, walletID, ruleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[ruleID]; ok && r.WalletID == walletID {
		delete(s.rules, ruleID)
	}
	return nil
}

func (s *Store) InsertTrade(_ context.Context, rec model.TradeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.trades = append(s.trades, rec)
	return rec.ID, nil
}

func (s *Store) HasOpenTrade(_ context.Context, accountID int64, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trades {
		if t.AccountID != accountID || t.Side != model.SideBuy || !strings.EqualFold(t.TokenAddress, token) {
			continue
		}
		if t.Status == model.TradePending || t.Status == model.TradeSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RecentTrades(_ context.Context, accountID int64, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.trades[i].AccountID == accountID {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *Store) sortedWallets() []model.Wallet {
	out := make([]model.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasFlag(w model.Wallet, flag model.WalletFlag) bool {
	switch flag {
	case model.FlagSniper:
		return w.SniperEnabled
	case model.FlagSweep:
		return w.SweepEnabled
	}
	return false
}

var _ storage.Store = (*Store)(nil)
