package wire

import (
	"errors"
	"strconv"
	"time"

	"github.com/matheus3301/chatlink/internal/model"
	"github.com/tidwall/gjson"
)

// ErrMalformed is returned when a frame or response body is not the JSON
// object (or array) the caller expected.
var ErrMalformed = errors.New("malformed payload")

// The backend and its older revisions disagree on field names; each list
// lists the accepted aliases in priority order.
var (
	idPaths           = []string{"id", "messageId", "uuid"}
	textPaths         = []string{"text", "body", "content"}
	senderIDPaths     = []string{"senderId", "sender.id", "fromId"}
	senderNamePaths   = []string{"senderName", "sender.name", "sender.fullName"}
	conversationPaths = []string{"conversationId", "conversation.id"}
	convNamePaths     = []string{"conversationName", "conversation.name", "conversation.title"}
	timestampPaths    = []string{"timestamp", "sentAt", "createdAt"}
	mediaURLPaths     = []string{"mediaUrl", "attachmentUrl"}
)

// ParseMessage normalises a conversation-topic frame or REST message row.
func ParseMessage(body []byte) (model.ChatMessage, error) {
	r, err := object(body)
	if err != nil {
		return model.ChatMessage{}, err
	}
	return messageFrom(r), nil
}

// ParseMessageList normalises a REST message list, sorted oldest first.
func ParseMessageList(body []byte) ([]model.ChatMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	r := gjson.ParseBytes(body)
	if r.IsObject() {
		// Paged responses wrap the rows.
		r = first(r, "content", "messages", "items")
	}
	if !r.IsArray() {
		return nil, ErrMalformed
	}
	rows := r.Array()
	msgs := make([]model.ChatMessage, 0, len(rows))
	for _, row := range rows {
		if !row.IsObject() {
			continue
		}
		msgs = append(msgs, messageFrom(row))
	}
	SortByTimestamp(msgs)
	return msgs, nil
}

// ParseInboxEvent normalises a frame from the personal inbox stream.
func ParseInboxEvent(body []byte) (model.InboxEvent, error) {
	r, err := object(body)
	if err != nil {
		return model.InboxEvent{}, err
	}
	return model.InboxEvent{
		ID:               str(r, idPaths...),
		Text:             str(r, textPaths...),
		SenderID:         str(r, senderIDPaths...),
		SenderName:       str(r, senderNamePaths...),
		ConversationID:   str(r, conversationPaths...),
		ConversationName: str(r, convNamePaths...),
		Timestamp:        timestamp(first(r, timestampPaths...)),
		Type:             model.ParseType(str(r, "type")),
		MediaURL:         str(r, mediaURLPaths...),
	}, nil
}

// ParseTyping normalises a typing-topic frame.
func ParseTyping(body []byte) (model.TypingEvent, error) {
	r, err := object(body)
	if err != nil {
		return model.TypingEvent{}, err
	}
	return model.TypingEvent{
		UserID:         str(r, "userId"),
		ConversationID: str(r, "conversationId"),
		IsTyping:       first(r, "isTyping", "typing").Bool(),
	}, nil
}

// ParseReadReceipt normalises a read-topic frame. The backend echoes the
// reader as readerId.
func ParseReadReceipt(body []byte) (model.ReadReceipt, error) {
	r, err := object(body)
	if err != nil {
		return model.ReadReceipt{}, err
	}
	return model.ReadReceipt{
		UserID:         str(r, "userId", "readerId"),
		ConversationID: str(r, "conversationId"),
		MessageID:      str(r, "messageId"),
		ReadAt:         timestamp(r.Get("readAt")),
	}, nil
}

// ParseUser normalises the /api/me response.
func ParseUser(body []byte) (model.User, error) {
	r, err := object(body)
	if err != nil {
		return model.User{}, err
	}
	u := model.User{
		ID:    str(r, "id", "userId"),
		Name:  str(r, "name", "fullName", "username"),
		Email: str(r, "email"),
	}
	if u.ID == "" {
		return model.User{}, ErrMalformed
	}
	return u, nil
}

// ParseConversationSummaries normalises /api/conversations/summary.
func ParseConversationSummaries(body []byte) ([]model.ConversationSummary, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	r := gjson.ParseBytes(body)
	if !r.IsArray() {
		return nil, ErrMalformed
	}
	var out []model.ConversationSummary
	for _, row := range r.Array() {
		id := str(row, "conversationId", "id")
		if id == "" {
			continue
		}
		name := str(row, "counterpart.name", "name", "title")
		if name == "" {
			name = "Conversation"
		}
		at := timestamp(first(row, "lastActivityAt", "lastMessage.timestamp", "lastMessageTime"))
		out = append(out, model.ConversationSummary{
			ID:            id,
			Name:          name,
			LastMessage:   str(row, "lastMessage.text", "lastMessage"),
			LastMessageAt: at,
			UnreadCount:   int(row.Get("unreadCount").Int()),
		})
	}
	return out, nil
}

// ParseConversationName picks a display name from /api/conversations/{id}.
// For direct conversations the counterpart (first participant that is not
// selfID) names the conversation.
func ParseConversationName(body []byte, selfID string) (string, error) {
	r, err := object(body)
	if err != nil {
		return "", err
	}
	participants := first(r, "participants", "users")
	if participants.IsArray() {
		var other gjson.Result
		for _, p := range participants.Array() {
			if selfID == "" || str(p, "id") != selfID {
				other = p
				break
			}
		}
		if other.Exists() {
			if n := str(other, "name", "fullName", "username"); n != "" {
				return n, nil
			}
		}
	}
	if n := str(r, "name", "title"); n != "" {
		return n, nil
	}
	return "Conversation", nil
}

// ParseMedia normalises the upload response.
func ParseMedia(body []byte) (model.Media, error) {
	r, err := object(body)
	if err != nil {
		return model.Media{}, err
	}
	m := model.Media{
		URL:          str(r, "url"),
		Type:         str(r, "type"),
		Size:         r.Get("size").Int(),
		OriginalName: str(r, "originalName", "filename"),
	}
	if m.URL == "" {
		return model.Media{}, ErrMalformed
	}
	return m, nil
}

func messageFrom(r gjson.Result) model.ChatMessage {
	id := str(r, idPaths...)
	return model.ChatMessage{
		ID:               id,
		Text:             str(r, textPaths...),
		SenderID:         str(r, senderIDPaths...),
		SenderName:       str(r, senderNamePaths...),
		ConversationID:   str(r, conversationPaths...),
		ConversationName: str(r, convNamePaths...),
		Timestamp:        timestamp(first(r, timestampPaths...)),
		Status:           model.ParseStatus(str(r, "status")),
		Type:             model.ParseType(str(r, "type")),
		MediaURL:         str(r, mediaURLPaths...),
		FileName:         str(r, "fileName"),
		FileSize:         r.Get("fileSize").Int(),
		MimeType:         str(r, "mimeType"),
		Confirmed:        id != "",
	}
}

func object(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrMalformed
	}
	r := gjson.ParseBytes(body)
	if !r.IsObject() {
		return gjson.Result{}, ErrMalformed
	}
	return r, nil
}

// first returns the first path that is present and not null.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// str reads the first present path as a string. Numeric ids (the backend
// uses Long) come back in their plain decimal form.
func str(r gjson.Result, paths ...string) string {
	v := first(r, paths...)
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	case gjson.True, gjson.False:
		return strconv.FormatBool(v.Bool())
	}
	return ""
}

// timestamp accepts RFC 3339 strings, epoch milliseconds and epoch
// seconds (Jackson's default for Instant).
func timestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02T15:04:05", v.Str); err == nil {
			return t
		}
	case gjson.Number:
		f := v.Float()
		if f > 1e12 {
			return time.UnixMilli(int64(f))
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9))
	}
	return time.Time{}
}
