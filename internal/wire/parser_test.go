package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/model"
)

func TestParseMessageShapes(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		body string
		want model.ChatMessage
	}{
		{
			"canonical dto",
			`{"id":"99","text":"hi","senderId":"42","conversationId":"7","timestamp":"2025-01-15T12:00:00Z","status":"sent","type":"text"}`,
			model.ChatMessage{ID: "99", Text: "hi", SenderID: "42", ConversationID: "7", Timestamp: ts, Status: model.StatusSent, Type: model.TypeText, Confirmed: true},
		},
		{
			"numeric ids and nested sender",
			`{"messageId":99,"body":"hi","sender":{"id":42,"name":"Ana"},"conversation":{"id":7},"createdAt":1736942400000}`,
			model.ChatMessage{ID: "99", Text: "hi", SenderID: "42", SenderName: "Ana", ConversationID: "7", Timestamp: ts, Status: model.StatusSent, Type: model.TypeText, Confirmed: true},
		},
		{
			"attachment alias and upper-case type",
			`{"uuid":"u1","content":"","fromId":"3","type":"IMAGE","attachmentUrl":"/api/media/files/image/a.png","sentAt":1736942400}`,
			model.ChatMessage{ID: "u1", SenderID: "3", Timestamp: ts, Status: model.StatusSent, Type: model.TypeImage, MediaURL: "/api/media/files/image/a.png", Confirmed: true},
		},
		{
			"no id is not confirmed",
			`{"text":"draft","senderId":"42"}`,
			model.ChatMessage{Text: "draft", SenderID: "42", Status: model.StatusSent, Type: model.TypeText},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if !got.Timestamp.Equal(tt.want.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", got.Timestamp, tt.want.Timestamp)
			}
			got.Timestamp, tt.want.Timestamp = time.Time{}, time.Time{}
			if got != tt.want {
				t.Errorf("ParseMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	bodies := []string{"", "not json", `["array"]`, `"string"`, `{"id":`}
	for _, b := range bodies {
		if _, err := ParseMessage([]byte(b)); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseMessage(%q) error = %v, want ErrMalformed", b, err)
		}
		if _, err := ParseInboxEvent([]byte(b)); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseInboxEvent(%q) error = %v, want ErrMalformed", b, err)
		}
	}
}

func TestParseInboxEvent(t *testing.T) {
	body := `{"id":5,"text":"yo","senderId":"2","senderName":"Bo","conversationId":11,"conversationName":"Team","type":"video","mediaUrl":"/v.mp4"}`
	got, err := ParseInboxEvent([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	want := model.InboxEvent{ID: "5", Text: "yo", SenderID: "2", SenderName: "Bo", ConversationID: "11", ConversationName: "Team", Type: model.TypeVideo, MediaURL: "/v.mp4"}
	if got != want {
		t.Errorf("ParseInboxEvent() = %+v, want %+v", got, want)
	}
}

func TestParseTypingAcceptsBothFlags(t *testing.T) {
	for _, body := range []string{
		`{"userId":"1","conversationId":"2","isTyping":true}`,
		`{"userId":"1","conversationId":"2","typing":true}`,
	} {
		got, err := ParseTyping([]byte(body))
		if err != nil {
			t.Fatal(err)
		}
		if !got.IsTyping || got.UserID != "1" || got.ConversationID != "2" {
			t.Errorf("ParseTyping(%s) = %+v", body, got)
		}
	}
}

func TestParseReadReceiptReaderAlias(t *testing.T) {
	got, err := ParseReadReceipt([]byte(`{"conversationId":"7","messageId":"99","readerId":"3"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "3" || got.MessageID != "99" || got.ConversationID != "7" {
		t.Errorf("ParseReadReceipt() = %+v", got)
	}
}

func TestParseMessageListSortsAndUnwraps(t *testing.T) {
	body := `{"content":[
		{"id":"2","text":"second","senderId":"1","timestamp":"2025-01-15T12:00:02Z"},
		{"id":"1","text":"first","senderId":"1","timestamp":"2025-01-15T12:00:01Z"},
		"garbage"
	]}`
	msgs, err := ParseMessageList([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[1].ID != "2" {
		t.Errorf("order = [%s %s], want [1 2]", msgs[0].ID, msgs[1].ID)
	}
}

func TestParseConversationSummaries(t *testing.T) {
	body := `[
		{"conversationId":7,"counterpart":{"id":2,"name":"Bo"},"lastMessage":{"id":1,"text":"hey","senderId":2,"timestamp":"2025-01-15T12:00:00Z"},"lastActivityAt":"2025-01-15T12:00:00Z","unreadCount":3},
		{"id":"8","name":"Group","lastMessage":"plain"},
		{"counterpart":{"name":"no id"}}
	]`
	got, err := ParseConversationSummaries([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d summaries, want 2", len(got))
	}
	if got[0].ID != "7" || got[0].Name != "Bo" || got[0].LastMessage != "hey" || got[0].UnreadCount != 3 {
		t.Errorf("summary[0] = %+v", got[0])
	}
	if got[1].Name != "Group" || got[1].LastMessage != "plain" {
		t.Errorf("summary[1] = %+v", got[1])
	}
}

func TestParseConversationName(t *testing.T) {
	tests := []struct {
		name string
		body string
		self string
		want string
	}{
		{"counterpart", `{"participants":[{"id":1,"name":"Me"},{"id":2,"name":"Bo"}]}`, "1", "Bo"},
		{"users alias", `{"users":[{"id":2,"username":"bo99"}]}`, "1", "bo99"},
		{"group name", `{"name":"Team"}`, "1", "Team"},
		{"fallback", `{}`, "1", "Conversation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConversationName([]byte(tt.body), tt.self)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseConversationName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseUserRequiresID(t *testing.T) {
	if _, err := ParseUser([]byte(`{"name":"x"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("ParseUser without id error = %v, want ErrMalformed", err)
	}
	u, err := ParseUser([]byte(`{"id":42,"name":"Ana","email":"a@x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "42" || u.Name != "Ana" {
		t.Errorf("ParseUser() = %+v", u)
	}
}

func TestDestinations(t *testing.T) {
	tests := []struct{ got, want string }{
		{ConversationTopic("7"), "/topic/conversations/7"},
		{TypingTopic("7"), "/topic/conversations/7/typing"},
		{ReadTopic("7"), "/topic/conversations/7/read"},
		{UserMessagesTopic("42"), "/topic/users/42/messages"},
		{SendDestination("7"), "/app/chat.send/7"},
		{TypingDestination("7"), "/app/chat.typing/7"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestPayloadsUseBackendFieldNames(t *testing.T) {
	send := NewSendPayload(model.ChatMessage{ConversationID: "7", SenderID: "42", Text: "hi", Type: model.TypeImage})
	if send.Type != "IMAGE" || send.ConversationID != "7" {
		t.Errorf("NewSendPayload() = %+v", send)
	}
	if got := NewSendPayload(model.ChatMessage{}).Type; got != "TEXT" {
		t.Errorf("empty type = %q, want TEXT", got)
	}
	read := NewReadPayload(model.ReadReceipt{UserID: "42", ConversationID: "7", MessageID: "99"})
	if read.ReaderID != "42" {
		t.Errorf("NewReadPayload() = %+v", read)
	}
	typing := NewTypingPayload(model.TypingEvent{UserID: "42", ConversationID: "7", IsTyping: true})
	if !typing.Typing {
		t.Errorf("NewTypingPayload() = %+v", typing)
	}
}
