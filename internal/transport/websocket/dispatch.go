package websocket

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/scopehq/scope-client/internal/domain"
	"github.com/scopehq/scope-client/internal/state"
)

// StoreHandlers wires the server message vocabulary to the application state
// store. A malformed payload is logged and dropped; it never takes the
// connection down.
func StoreHandlers(store *state.Store, log zerolog.Logger) []Option {
	return []Option{
		WithHandler(domain.MsgAssetUpdate, func(env domain.Envelope) {
			var u domain.AssetUpdate
			if !decode(env, &u, log) {
				return
			}
			store.ApplyAssetUpdate(u)
		}),
		WithHandler(domain.MsgNewsUpdate, func(env domain.Envelope) {
			var n domain.NewsUpdate
			if !decode(env, &n, log) {
				return
			}
			store.ApplyNewsUpdate(n)
		}),
		WithHandler(domain.MsgModelPrediction, func(env domain.Envelope) {
			var p domain.ModelPrediction
			if !decode(env, &p, log) {
				return
			}
			store.ApplyModelPrediction(p)
		}),
		WithHandler(domain.MsgNotification, func(env domain.Envelope) {
			var n domain.Notification
			if !decode(env, &n, log) {
				return
			}
			store.ApplyNotification(n)
		}),
		WithHandler(domain.MsgError, func(env domain.Envelope) {
			var fe domain.FeedError
			if !decode(env, &fe, log) {
				return
			}
			log.Warn().Str("error", fe.Error).Msg("feed reported an error")
			store.RecordFeedError(fe.Error)
		}),
	}
}

func decode(env domain.Envelope, v interface{}, log zerolog.Logger) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Warn().Err(err).Str("type", env.Type).Msg("dropping malformed feed payload")
		return false
	}
	return true
}
