package chat

import (
	"sort"

	"github.com/noah-isme/gema-chat/internal/dto"
)

// PresenceTracker holds the last presence snapshot of a channel. Snapshots
// always replace the previous set; there is no incremental add or remove.
type PresenceTracker struct {
	online []dto.ChatPresence
}

// Replace swaps the online set for snapshot.
func (p *PresenceTracker) Replace(snapshot []dto.ChatPresence) {
	online := make([]dto.ChatPresence, len(snapshot))
	copy(online, snapshot)
	sort.SliceStable(online, func(i, j int) bool {
		if online[i].UserName != online[j].UserName {
			return online[i].UserName < online[j].UserName
		}
		return online[i].ConnectionID < online[j].ConnectionID
	})
	p.online = online
}

// Online returns a copy of the current snapshot.
func (p *PresenceTracker) Online() []dto.ChatPresence {
	out := make([]dto.ChatPresence, len(p.online))
	copy(out, p.online)
	return out
}

// Contains reports whether any connection of userID is online.
func (p *PresenceTracker) Contains(userID string) bool {
	for _, member := range p.online {
		if member.UserID == userID {
			return true
		}
	}
	return false
}

func (p *PresenceTracker) Clear() {
	p.online = nil
}
