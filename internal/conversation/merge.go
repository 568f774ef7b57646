package conversation

import (
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/wire"
)

// Merge folds a server snapshot into the local list. Server rows win, but
// a status never moves backwards. Local placeholders the server does not
// know yet (still pending or failed) are kept, unless a server row from
// the local user is recognisably their echo, in which case the
// placeholder is dropped in favour of it. The result is oldest first.
func Merge(local, server []model.ChatMessage, selfID string) []model.ChatMessage {
	byID := make(map[string]int, len(local))
	for i, m := range local {
		if m.ID != "" {
			byID[m.ID] = i
		}
	}

	out := make([]model.ChatMessage, 0, len(server)+len(local))
	claimed := make(map[int]bool) // local index -> has a server row
	taken := make(map[int]bool)   // out index -> already accounted for
	for _, s := range server {
		if i, ok := byID[s.ID]; ok && s.ID != "" {
			claimed[i] = true
			taken[len(out)] = true
			s.Status = serverWins(s.Status, local[i].Status)
		}
		s.Confirmed = s.ID != ""
		out = append(out, s)
	}

	// Second pass: placeholders whose echo was missed while offline. Only
	// server rows are candidates.
	n := len(out)
	for i, m := range local {
		if claimed[i] || m.Confirmed || !(m.Status.Pending() || m.Status == model.StatusError) {
			continue
		}
		j := echoIn(out[:n], m, selfID, taken)
		if j >= 0 {
			taken[j] = true
			out[j].Status = serverWins(out[j].Status, m.Status)
			continue
		}
		out = append(out, m)
	}

	wire.SortByTimestamp(out)
	return out
}

// serverWins keeps the server status unless the local one is further
// along. A local error never overrides a row the server has.
func serverWins(server, local model.Status) model.Status {
	if local == model.StatusError {
		return server
	}
	return upgrade(server, local)
}

// echoIn finds the most recent server row from selfID that m is a
// placeholder for and that no other placeholder has taken.
func echoIn(rows []model.ChatMessage, m model.ChatMessage, selfID string, taken map[int]bool) int {
	probe := m
	probe.Status = model.StatusSending
	for j := len(rows) - 1; j >= 0; j-- {
		if taken[j] || rows[j].SenderID != selfID {
			continue
		}
		if placeholderFor(probe, rows[j], selfID) {
			return j
		}
	}
	return -1
}
