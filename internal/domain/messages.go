package domain

import (
	"encoding/json"
	"time"
)

// Message types on the realtime feed. Client -> server: subscribe,
// unsubscribe, ping. Server -> client: the rest.
const (
	MsgSubscribe       = "subscribe"
	MsgUnsubscribe     = "unsubscribe"
	MsgPing            = "ping"
	MsgPong            = "pong"
	MsgAssetUpdate     = "asset_update"
	MsgNewsUpdate      = "news_update"
	MsgModelPrediction = "model_prediction"
	MsgNotification    = "notification"
	MsgError           = "error"
)

// Envelope is the wire shape of every feed message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChannelRequest is the payload of subscribe/unsubscribe messages.
type ChannelRequest struct {
	Channels []string `json:"channels"`
}

// AssetUpdate is a live quote for one symbol.
type AssetUpdate struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Volume        float64 `json:"volume"`
}

// NewsUpdate is a published headline with optional sentiment.
type NewsUpdate struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary,omitempty"`
	Source    string   `json:"source,omitempty"`
	Sentiment string   `json:"sentiment,omitempty"`
	Symbols   []string `json:"related_symbols,omitempty"`
}

// ModelPrediction is a model-generated signal for a symbol.
type ModelPrediction struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Horizon    string  `json:"horizon,omitempty"`
}

// Notification is a user-facing alert delivered over the feed.
type Notification struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Level  string `json:"level,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// FeedError is the payload of error-typed messages.
type FeedError struct {
	Error string `json:"error"`
}
