package pricewatch

// MessageType discriminates worker channel messages.
type MessageType string

// Engine -> worker.
const (
	TypeStart          MessageType = "start"
	TypeAddListener    MessageType = "add_listener"
	TypeRemoveListener MessageType = "remove_listener"
	TypeAddTokens      MessageType = "add_tokens"
	TypeGetPrice       MessageType = "get_price"
	TypeUpdateGroup    MessageType = "update_group"
)

// Worker -> engine.
const (
	TypeReady    MessageType = "ready"
	TypePrice    MessageType = "price"
	TypeLimitHit MessageType = "limit_hit"
	TypeTPHit    MessageType = "tp_hit"
	TypeSLHit    MessageType = "sl_hit"
)

// Message is one JSON object on the worker channel. Which fields are set
// depends on Type.
type Message struct {
	Type       MessageType     `json:"type"`
	IntervalMs int64           `json:"intervalMs,omitempty"`
	Token      string          `json:"token,omitempty"`
	Tokens     []string        `json:"tokens,omitempty"`
	Listener   *Listener       `json:"listener,omitempty"`
	Filter     *ListenerFilter `json:"predicate,omitempty"`
	ID         uint64          `json:"id,omitempty"`
	Price      float64         `json:"price,omitempty"`
	UpdatedAt  int64           `json:"updatedAt,omitempty"`
	GroupID    string          `json:"groupId,omitempty"`
	Patch      *ListenerPatch  `json:"patch,omitempty"`
	ChangePct  float64         `json:"changePercent,omitempty"`
}

// IsHit reports whether m is a trigger notification.
func (m Message) IsHit() bool {
	switch m.Type {
	case TypeLimitHit, TypeTPHit, TypeSLHit:
		return true
	}
	return false
}

func hitType(kind Kind) MessageType {
	switch kind {
	case KindLimit:
		return TypeLimitHit
	case KindTakeProfit:
		return TypeTPHit
	default:
		return TypeSLHit
	}
}
