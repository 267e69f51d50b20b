package scanner

import (
	"fmt"
	"html"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/strategy"
)

func sweepBoughtText(snap model.TokenSnapshot, token string) string {
	name, symbol := "Unknown", ""
	launched := "unknown"
	if snap.Meta != nil {
		if snap.Meta.Name != "" {
			name = snap.Meta.Name
		}
		symbol = snap.Meta.Symbol
		if snap.Meta.CreateTime != nil && *snap.Meta.CreateTime > 0 {
			launched = strategy.LaunchTime(*snap.Meta.CreateTime).UTC().Format("2006-01-02 15:04:05 UTC")
		}
	}
	title := html.EscapeString(name)
	if symbol != "" {
		title = fmt.Sprintf("%s (%s)", title, html.EscapeString(symbol))
	}
	return fmt.Sprintf("🧹 <b>Sweep bought</b>\n\n%s\n<code>%s</code>\n\nLaunched: %s",
		title, html.EscapeString(token), launched)
}
