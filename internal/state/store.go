// Package state holds the dashboard-facing application state that the
// realtime feed mutates. It is the single write target of the websocket
// dispatcher; UI consumers read immutable snapshots.
package state

import (
	"sync"

	"github.com/scopehq/scope-client/internal/domain"
)

// maxNewsItems bounds the in-memory news feed.
const maxNewsItems = 100

// maxNotifications bounds the notification center backlog.
const maxNotifications = 200

type Store struct {
	mu            sync.RWMutex
	quotes        map[string]domain.AssetUpdate
	news          []domain.NewsUpdate
	predictions   map[string]domain.ModelPrediction
	notifications []domain.Notification
	unread        int
	lastFeedError string
}

func NewStore() *Store {
	return &Store{
		quotes:      make(map[string]domain.AssetUpdate),
		predictions: make(map[string]domain.ModelPrediction),
	}
}

// ApplyAssetUpdate replaces the latest quote for the symbol.
func (s *Store) ApplyAssetUpdate(u domain.AssetUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[u.Symbol] = u
}

// ApplyNewsUpdate prepends the headline, keeping the feed bounded.
func (s *Store) ApplyNewsUpdate(n domain.NewsUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news = append([]domain.NewsUpdate{n}, s.news...)
	if len(s.news) > maxNewsItems {
		s.news = s.news[:maxNewsItems]
	}
}

// ApplyModelPrediction replaces the latest signal for the symbol.
func (s *Store) ApplyModelPrediction(p domain.ModelPrediction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions[p.Symbol] = p
}

// ApplyNotification appends to the notification center and bumps unread.
func (s *Store) ApplyNotification(n domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	if len(s.notifications) > maxNotifications {
		s.notifications = s.notifications[len(s.notifications)-maxNotifications:]
	}
	s.unread++
}

// RecordFeedError stores the latest error-typed feed message.
func (s *Store) RecordFeedError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFeedError = msg
}

// Quote returns the latest quote for a symbol.
func (s *Store) Quote(symbol string) (domain.AssetUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// News returns the feed newest-first.
func (s *Store) News() []domain.NewsUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NewsUpdate, len(s.news))
	copy(out, s.news)
	return out
}

// Prediction returns the latest model signal for a symbol.
func (s *Store) Prediction(symbol string) (domain.ModelPrediction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.predictions[symbol]
	return p, ok
}

// Notifications returns the backlog plus the unread count.
func (s *Store) Notifications() ([]domain.Notification, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out, s.unread
}

// MarkNotificationsRead zeroes the unread counter.
func (s *Store) MarkNotificationsRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = 0
}

// LastFeedError returns the most recent error message from the feed.
func (s *Store) LastFeedError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFeedError
}
