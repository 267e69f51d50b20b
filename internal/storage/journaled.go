package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

// Journaled mirrors every inserted trade into a TradeJournal.
type Journaled struct {
	Store
	journal *TradeJournal
	logger  *zap.Logger
}

func WithJournal(store Store, journal *TradeJournal, logger *zap.Logger) *Journaled {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journaled{Store: store, journal: journal, logger: logger}
}

// InsertTrade writes to the store, then the journal. Journal failures are
// logged only.
func (j *Journaled) InsertTrade(ctx context.Context, rec model.TradeRecord) (int64, error) {
	id, err := j.Store.InsertTrade(ctx, rec)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	if err := j.journal.Append(rec); err != nil {
		j.logger.Warn("trade journal append failed", zap.String("tx", rec.TxHash), zap.Error(err))
	}
	return id, nil
}
