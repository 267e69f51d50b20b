package trade

import (
	"fmt"
	"html"
	"math/big"
	"strings"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/chain"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/model"
)

const explorerTx = "https://bscscan.com/tx/"

func buySuccessText(req BuyRequest, w model.Wallet, snap model.TokenSnapshot, res BuyResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ <b>Buy confirmed</b> (%s)\n", html.EscapeString(string(req.Mode)))
	fmt.Fprintf(&b, "Token: <b>%s</b>\n", html.EscapeString(snap.DisplayName()))
	fmt.Fprintf(&b, "<code>%s</code>\n", html.EscapeString(req.Token))
	fmt.Fprintf(&b, "Wallet #%d: <code>%s</code>\n", w.Number, html.EscapeString(w.Address))
	fmt.Fprintf(&b, "Spent: %s BNB\n", req.Amount.String())
	if res.TokenBalance.IsPositive() {
		fmt.Fprintf(&b, "Balance: %s\n", res.TokenBalance.StringFixed(4))
	}
	if res.USDValue.IsPositive() {
		fmt.Fprintf(&b, "Value: $%s\n", res.USDValue.StringFixed(2))
	}
	if res.BundleHash != "" {
		fmt.Fprintf(&b, "Bundle: <code>%s</code>\n", html.EscapeString(res.BundleHash))
	}
	fmt.Fprintf(&b, `<a href="%s%s">View transaction</a>`, explorerTx, res.TxHash.Hex())
	return b.String()
}

func buyFailedText(req BuyRequest, err error) string {
	return fmt.Sprintf("❌ <b>Buy failed</b> (%s)\nToken: <code>%s</code>\nAmount: %s BNB\nReason: %s",
		html.EscapeString(string(req.Mode)),
		html.EscapeString(req.Token),
		req.Amount.String(),
		html.EscapeString(err.Error()),
	)
}

func insufficientText(w model.Wallet, balance, needed *big.Int) string {
	return fmt.Sprintf("⚠️ <b>Insufficient balance</b>\nWallet #%d: <code>%s</code>\nBalance: %s BNB\nNeeded: %s BNB\nSniper has been disabled for this wallet.",
		w.Number,
		html.EscapeString(w.Address),
		chain.FormatUnits(balance, chain.NativeDecimals),
		chain.FormatUnits(needed, chain.NativeDecimals),
	)
}

func sellSuccessText(req SellRequest, w model.Wallet, res SellResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ <b>Sell confirmed</b> (%.0f%%)\n", req.SellPercent)
	fmt.Fprintf(&b, "Token: <b>%s</b>\n", html.EscapeString(res.Symbol))
	fmt.Fprintf(&b, "<code>%s</code>\n", html.EscapeString(req.Token))
	fmt.Fprintf(&b, "Wallet #%d: <code>%s</code>\n", w.Number, html.EscapeString(w.Address))
	fmt.Fprintf(&b, "Sold: %s\n", chain.FormatUnits(res.Amount, res.Decimals))
	if res.ReceivedNative.IsPositive() {
		fmt.Fprintf(&b, "Received: ~%s BNB\n", res.ReceivedNative.StringFixed(6))
	}
	fmt.Fprintf(&b, `<a href="%s%s">View transaction</a>`, explorerTx, res.TxHash.Hex())
	return b.String()
}

func sellFailedText(req SellRequest, err error) string {
	return fmt.Sprintf("❌ <b>Sell failed</b>\nToken: <code>%s</code>\nPercent: %.0f%%\nReason: %s",
		html.EscapeString(req.Token),
		req.SellPercent,
		html.EscapeString(err.Error()),
	)
}
