package outbound

import (
	"github.com/matheus3301/chatlink/internal/model"
	"github.com/matheus3301/chatlink/internal/wire"
)

// ChatMessage builds the send for a new message.
func ChatMessage(msg model.ChatMessage) Outbound {
	return Outbound{
		Destination:    wire.SendDestination(msg.ConversationID),
		ConversationID: msg.ConversationID,
		Body:           wire.NewSendPayload(msg),
	}
}

// Typing builds a typing indicator.
func Typing(ev model.TypingEvent) Outbound {
	return Outbound{
		Destination:    wire.TypingDestination(ev.ConversationID),
		ConversationID: ev.ConversationID,
		Body:           wire.NewTypingPayload(ev),
	}
}

// Read builds a read receipt.
func Read(rr model.ReadReceipt) Outbound {
	return Outbound{
		Destination:    wire.ReadDestination,
		ConversationID: rr.ConversationID,
		Body:           wire.NewReadPayload(rr),
	}
}
