package chat

import (
	"slices"
	"sort"

	"github.com/noah-isme/gema-chat/internal/dto"
)

// messageLog is the session's local copy of the chat history, kept sorted by
// created_at then id and free of duplicate ids.
type messageLog struct {
	items []dto.ChatMessageResponse
}

func messageBefore(a, b dto.ChatMessageResponse) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (l *messageLog) indexOf(id uint) int {
	return slices.IndexFunc(l.items, func(m dto.ChatMessageResponse) bool { return m.ID == id })
}

func (l *messageLog) contains(id uint) bool {
	return l.indexOf(id) >= 0
}

// insert places message by timestamp. Known ids are ignored.
func (l *messageLog) insert(message dto.ChatMessageResponse) bool {
	if l.contains(message.ID) {
		return false
	}
	i := sort.Search(len(l.items), func(i int) bool { return messageBefore(message, l.items[i]) })
	l.items = slices.Insert(l.items, i, message)
	return true
}

// update replaces a held message in place. Unknown ids and versions older
// than the held one are ignored.
func (l *messageLog) update(message dto.ChatMessageResponse) bool {
	i := l.indexOf(message.ID)
	if i < 0 {
		return false
	}
	if message.UpdatedAt.Before(l.items[i].UpdatedAt) {
		return false
	}
	message.CreatedAt = l.items[i].CreatedAt
	l.items[i] = message
	return true
}

func (l *messageLog) remove(id uint) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.items = slices.Delete(l.items, i, i+1)
	return true
}

// replace resets the log to page.
func (l *messageLog) replace(page []dto.ChatMessageResponse) {
	l.items = l.items[:0]
	for _, message := range page {
		l.insert(message)
	}
}

func (l *messageLog) oldest() (dto.ChatMessageResponse, bool) {
	if len(l.items) == 0 {
		return dto.ChatMessageResponse{}, false
	}
	return l.items[0], true
}

func (l *messageLog) snapshot() []dto.ChatMessageResponse {
	return slices.Clone(l.items)
}

func (l *messageLog) len() int {
	return len(l.items)
}
