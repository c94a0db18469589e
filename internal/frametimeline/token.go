package frametimeline

import (
	"sync"
	"time"

	"github.com/goodtune/vsyncd/internal/clock"
)

// MaxRetentionTime is how long predictions stay retrievable by token.
const MaxRetentionTime = int64(120 * time.Millisecond)

type predictionEntry struct {
	issueTime   int64
	predictions TimelineItem
}

// TokenManager hands out tokens for predicted frame timelines.
type TokenManager struct {
	mu           sync.Mutex
	clock        clock.Clock
	currentToken int64
	predictions  map[int64]predictionEntry
	// order holds live tokens oldest first; tokens and issue times
	// increase together.
	order []int64
}

func NewTokenManager(clk clock.Clock) *TokenManager {
	return &TokenManager{
		clock:        clk,
		currentToken: InvalidToken + 1,
		predictions:  make(map[int64]predictionEntry),
	}
}

// GenerateTokenForPredictions stores predictions and returns their token.
// Entries older than MaxRetentionTime are evicted first.
func (m *TokenManager) GenerateTokenForPredictions(predictions TimelineItem) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.flushTokensLocked(now)

	token := m.currentToken
	m.currentToken++
	m.predictions[token] = predictionEntry{issueTime: now, predictions: predictions}
	m.order = append(m.order, token)
	return token
}

// PredictionsForToken returns the predictions of a live token.
func (m *TokenManager) PredictionsForToken(token int64) (TimelineItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.predictions[token]
	if !ok {
		return TimelineItem{}, false
	}
	return e.predictions, true
}

// Lookup classifies token: Valid while its predictions are retained,
// Expired once evicted, None if it was never issued.
func (m *TokenManager) Lookup(token int64) (TimelineItem, PredictionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token < 0 || token >= m.currentToken {
		return TimelineItem{}, PredictionNone
	}
	e, ok := m.predictions[token]
	if !ok {
		return TimelineItem{}, PredictionExpired
	}
	return e.predictions, PredictionValid
}

// Len returns the number of live tokens.
func (m *TokenManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.predictions)
}

func (m *TokenManager) flushTokensLocked(flushTime int64) {
	n := 0
	for _, token := range m.order {
		if flushTime-m.predictions[token].issueTime < MaxRetentionTime {
			break
		}
		delete(m.predictions, token)
		n++
	}
	m.order = m.order[n:]
}
