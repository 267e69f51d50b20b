package pricewatch

// pctEpsilon absorbs float rounding so a move of exactly the threshold fires.
const pctEpsilon = 1e-9

// evaluate checks every armed listener of token against price. Listeners that
// fire are marked triggered and one hit message is returned for each.
func evaluate(token string, price float64, listeners []*Listener) []Message {
	if price <= 0 {
		return nil
	}
	var hits []Message
	for _, l := range listeners {
		if !l.Armed() {
			continue
		}
		fired, change := check(l, price)
		if !fired {
			continue
		}
		l.Triggered = true
		hits = append(hits, Message{
			Type:      hitType(l.Kind),
			Token:     token,
			Price:     price,
			Listener:  l.Clone(),
			ChangePct: change,
		})
	}
	return hits
}

// adoptInitial gives every limit listener without a reference price the
// current one. It reports whether any listener changed.
func adoptInitial(price float64, listeners []*Listener) bool {
	if price <= 0 {
		return false
	}
	adopted := false
	for _, l := range listeners {
		if l.Kind == KindLimit && l.Limit != nil && l.Limit.Initial <= 0 && l.Armed() {
			l.Limit.Initial = price
			adopted = true
		}
	}
	return adopted
}

func check(l *Listener, price float64) (bool, float64) {
	switch l.Kind {
	case KindLimit:
		if l.Limit == nil {
			return false, 0
		}
		if l.Limit.Initial <= 0 {
			l.Limit.Initial = price
		}
		drop := (l.Limit.Initial - price) / l.Limit.Initial * 100
		return drop >= l.Limit.DropPct-pctEpsilon, -drop
	case KindTakeProfit, KindStopLoss:
		if l.Exit == nil || l.Exit.Baseline <= 0 || l.Exit.Percent <= 0 {
			return false, 0
		}
		change := (price - l.Exit.Baseline) / l.Exit.Baseline * 100
		if l.Kind == KindTakeProfit {
			return change >= l.Exit.Percent-pctEpsilon, change
		}
		return change <= -l.Exit.Percent+pctEpsilon, change
	}
	return false, 0
}
