package session

import (
	"sync"

	"github.com/MrWong99/hearth/pkg/provider/llm"
)

// defaultHistoryTokens bounds the conversation history when no limit is
// configured.
const defaultHistoryTokens = 4000

// TokenCounter estimates the token cost of messages. [llm.Provider]
// satisfies it.
type TokenCounter interface {
	CountTokens(messages []llm.Message) (int, error)
}

// History keeps the committed user turns and spoken replies of one
// conversation, oldest first. When the estimated token count exceeds the
// limit, the oldest messages are dropped until it fits again. The newest
// message is always kept.
//
// All methods are safe for concurrent use.
type History struct {
	maxTokens int
	counter   TokenCounter

	mu       sync.Mutex
	messages []llm.Message
	costs    []int
	total    int
}

// NewHistory creates a History holding at most maxTokens. A zero or negative
// maxTokens selects 4000. counter may be nil, in which case
// [llm.EstimateTokens] is used.
func NewHistory(maxTokens int, counter TokenCounter) *History {
	if maxTokens <= 0 {
		maxTokens = defaultHistoryTokens
	}
	return &History{
		maxTokens: maxTokens,
		counter:   counter,
	}
}

// Add appends msgs and trims the oldest messages if the limit is exceeded.
func (h *History) Add(msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		cost := h.cost(m)
		h.messages = append(h.messages, m)
		h.costs = append(h.costs, cost)
		h.total += cost
	}

	drop := 0
	for h.total > h.maxTokens && len(h.messages)-drop > 1 {
		h.total -= h.costs[drop]
		drop++
	}
	if drop > 0 {
		h.messages = append([]llm.Message(nil), h.messages[drop:]...)
		h.costs = append([]int(nil), h.costs[drop:]...)
	}
}

// Messages returns a copy of the history, ready to pass as
// [llm.CompletionRequest.Messages].
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.messages...)
}

// Tokens returns the current token estimate.
func (h *History) Tokens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Len returns the number of messages held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Reset clears the history.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.costs = nil
	h.total = 0
}

// cost must be called with h.mu held.
func (h *History) cost(m llm.Message) int {
	one := []llm.Message{m}
	if h.counter != nil {
		if n, err := h.counter.CountTokens(one); err == nil {
			return n
		}
	}
	return llm.EstimateTokens(one)
}
