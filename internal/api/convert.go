package api

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatlink/internal/messenger"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toValue converts v to a structpb.Value through its JSON form, so the
// model's json tags decide the field names on the wire.
func toValue(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Value{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("convert %T: %w", v, err)
	}
	return out, nil
}

func toList[T any](rows []T) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(rows))}
	for _, r := range rows {
		v, err := toValue(r)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, v)
	}
	return list, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	s := val.GetStructValue()
	if s == nil {
		return nil, fmt.Errorf("convert %T: not an object", v)
	}
	return s, nil
}

func statusToStruct(profile string, st messenger.Status, conversations, messages int64) (*structpb.Struct, error) {
	subs := make([]any, 0, len(st.Subscriptions))
	for _, s := range st.Subscriptions {
		subs = append(subs, map[string]any{"id": s.ID, "topic": s.Topic, "active": s.Active})
	}
	unread := make(map[string]any, len(st.Unread))
	for id, n := range st.Unread {
		unread[id] = n
	}
	return structpb.NewStruct(map[string]any{
		"profile":             profile,
		"state":               string(st.Connection.State),
		"failures":            st.Connection.Failures,
		"stopped":             st.Connection.Stopped,
		"last_error":          st.LastError,
		"user_id":             st.User.ID,
		"user_name":           st.User.Name,
		"active_conversation": st.ActiveConversation,
		"queue_length":        st.QueueLength,
		"subscriptions":       subs,
		"unread":              unread,
		"conversation_count":  conversations,
		"message_count":       messages,
	})
}
