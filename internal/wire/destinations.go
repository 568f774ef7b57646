package wire

import (
	"sort"

	"github.com/matheus3301/chatlink/internal/model"
)

// Subscribe destinations.

func ConversationTopic(conversationID string) string {
	return "/topic/conversations/" + conversationID
}

func TypingTopic(conversationID string) string {
	return "/topic/conversations/" + conversationID + "/typing"
}

func ReadTopic(conversationID string) string {
	return "/topic/conversations/" + conversationID + "/read"
}

// InboxQueue is the primary personal stream, resolved by the broker from
// the authenticated principal.
const InboxQueue = "/user/queue/inbox"

// UserMessagesTopic is the legacy personal stream the backend still
// publishes to.
func UserMessagesTopic(userID string) string {
	return "/topic/users/" + userID + "/messages"
}

// Publish destinations.

func SendDestination(conversationID string) string {
	return "/app/chat.send/" + conversationID
}

func TypingDestination(conversationID string) string {
	return "/app/chat.typing/" + conversationID
}

const ReadDestination = "/app/chat.read"

// SortByTimestamp orders messages oldest first, keeping the relative order
// of equal timestamps.
func SortByTimestamp(msgs []model.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
