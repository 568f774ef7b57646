package conversation

import "github.com/matheus3301/chatlink/internal/model"

// Match finds the entry of msgs that the echo incoming acknowledges, or
// -1. Phase one matches by id. Phase two, used only when the id is
// unknown, picks the most recent placeholder that is still pending, was
// sent by selfID, has no server id yet and carries the same type, text
// and media url. A placeholder that adopted a server id is Confirmed and
// never matches heuristically again.
func Match(msgs []model.ChatMessage, incoming model.ChatMessage, selfID string) int {
	if incoming.ID != "" {
		for i := range msgs {
			if msgs[i].ID == incoming.ID {
				return i
			}
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if placeholderFor(msgs[i], incoming, selfID) {
			return i
		}
	}
	return -1
}

func placeholderFor(local, incoming model.ChatMessage, selfID string) bool {
	return selfID != "" &&
		local.SenderID == selfID &&
		!local.Confirmed &&
		local.Status.Pending() &&
		typeOf(local) == typeOf(incoming) &&
		local.Text == incoming.Text &&
		local.MediaURL == incoming.MediaURL
}

func typeOf(m model.ChatMessage) model.MessageType {
	if m.Type == "" {
		return model.TypeText
	}
	return m.Type
}

// upgrade returns the later of two statuses. A local error only replaces
// a status that is still pending.
func upgrade(current, next model.Status) model.Status {
	if next == model.StatusError {
		if current == "" || current.Pending() {
			return model.StatusError
		}
		return current
	}
	if next.Rank() > current.Rank() {
		return next
	}
	return current
}
