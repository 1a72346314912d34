// ABOUTME: Per-chat buffer of non-mention group messages kept as context for the next mention
// ABOUTME: Entries are FIFO-capped per chat; chats themselves are evicted least recently used

package policy

import (
	"container/list"
	"strings"
	"sync"
)

// DefaultMaxChats bounds the number of chats with buffered history.
const DefaultMaxChats = 1000

const (
	historyHeader = "[Chat messages since your last reply - for context]"
	currentHeader = "[Current message - respond to this]"
)

// HistoryEntry is one buffered group message.
type HistoryEntry struct {
	Sender      string
	Body        string
	TimestampMs int64
	MessageID   string
}

type historyKey struct {
	accountID string
	chatID    string
}

type historyChat struct {
	entries []HistoryEntry
	element *list.Element
}

// HistoryBuffer stores pending group context keyed by (account, chat).
type HistoryBuffer struct {
	mu       sync.Mutex
	chats    map[historyKey]*historyChat
	order    *list.List // keys, least recently appended at front
	maxChats int
}

// NewHistoryBuffer creates a buffer tracking at most maxChats chats.
func NewHistoryBuffer(maxChats int) *HistoryBuffer {
	if maxChats <= 0 {
		maxChats = DefaultMaxChats
	}
	return &HistoryBuffer{
		chats:    make(map[historyKey]*historyChat),
		order:    list.New(),
		maxChats: maxChats,
	}
}

func newHistoryKey(accountID, chatID string) historyKey {
	return historyKey{accountID: accountID, chatID: strings.ToLower(strings.TrimSpace(chatID))}
}

// Append adds entry to the chat's buffer, dropping the oldest entries beyond limit.
func (h *HistoryBuffer) Append(accountID, chatID string, entry HistoryEntry, limit int) {
	if limit <= 0 {
		return
	}
	key := newHistoryKey(accountID, chatID)

	h.mu.Lock()
	defer h.mu.Unlock()

	chat, ok := h.chats[key]
	if !ok {
		if len(h.chats) >= h.maxChats {
			h.evictOldest()
		}
		chat = &historyChat{element: h.order.PushBack(key)}
		h.chats[key] = chat
	} else {
		h.order.MoveToBack(chat.element)
	}

	chat.entries = append(chat.entries, entry)
	if over := len(chat.entries) - limit; over > 0 {
		chat.entries = append([]HistoryEntry(nil), chat.entries[over:]...)
	}
}

// Flush removes and returns the chat's buffered entries, oldest first.
func (h *HistoryBuffer) Flush(accountID, chatID string) []HistoryEntry {
	key := newHistoryKey(accountID, chatID)

	h.mu.Lock()
	defer h.mu.Unlock()

	chat, ok := h.chats[key]
	if !ok {
		return nil
	}
	h.order.Remove(chat.element)
	delete(h.chats, key)
	return chat.entries
}

// Len returns the number of entries buffered for one chat.
func (h *HistoryBuffer) Len(accountID, chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if chat, ok := h.chats[newHistoryKey(accountID, chatID)]; ok {
		return len(chat.entries)
	}
	return 0
}

// evictOldest must be called with mu held.
func (h *HistoryBuffer) evictOldest() {
	front := h.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(historyKey)
	h.order.Remove(front)
	delete(h.chats, key)
}

// FormatWithHistory prepends buffered entries to the current body. With no
// entries the body is returned unchanged.
func FormatWithHistory(entries []HistoryEntry, body string) string {
	if len(entries) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(historyHeader)
	for _, e := range entries {
		b.WriteByte('\n')
		b.WriteString(e.Sender)
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	b.WriteString("\n\n")
	b.WriteString(currentHeader)
	b.WriteByte('\n')
	b.WriteString(body)
	return b.String()
}
