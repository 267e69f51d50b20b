package engine

import (
	"fmt"
	"html"
	"strings"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

func limitRegisteredText(w model.Wallet, token string, initial float64, p model.TradeParams) string {
	var b strings.Builder
	b.WriteString("⏳ <b>Limit order armed</b>\n")
	fmt.Fprintf(&b, "Token: <code>%s</code>\n", html.EscapeString(token))
	fmt.Fprintf(&b, "Wallet #%d: <code>%s</code>\n", w.Number, html.EscapeString(w.Address))
	if initial > 0 {
		fmt.Fprintf(&b, "Reference price: $%.10f\n", initial)
		fmt.Fprintf(&b, "Buys at: $%.10f (-%.2f%%)\n", initial*(1-w.DropPct/100), w.DropPct)
	} else {
		fmt.Fprintf(&b, "Buys after a %.2f%% drop from the first observed price\n", w.DropPct)
	}
	fmt.Fprintf(&b, "Amount: %s BNB", p.Amount.String())
	return b.String()
}
