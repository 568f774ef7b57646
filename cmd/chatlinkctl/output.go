package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type profileRow struct {
	Name    string `json:"name"`
	PID     int    `json:"pid,omitempty"`
	Default bool   `json:"default"`
}

func printJSON(w io.Writer, m proto.Message) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printJSONLine(w io.Writer, m proto.Message) error {
	data, err := protojson.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printValueJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st *structpb.Struct) {
	f := st.GetFields()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	fmt.Fprintf(tw, "profile:\t%s\n", f["profile"].GetStringValue())
	state := f["state"].GetStringValue()
	if f["stopped"].GetBoolValue() {
		state += " (stopped)"
	}
	if n := f["failures"].GetNumberValue(); n > 0 {
		state += fmt.Sprintf(" after %d failed attempts", int(n))
	}
	fmt.Fprintf(tw, "state:\t%s\n", state)
	if e := f["last_error"].GetStringValue(); e != "" {
		fmt.Fprintf(tw, "last error:\t%s\n", e)
	}
	if id := f["user_id"].GetStringValue(); id != "" {
		fmt.Fprintf(tw, "user:\t%s (%s)\n", f["user_name"].GetStringValue(), id)
	} else {
		fmt.Fprintf(tw, "user:\t-\n")
	}
	if a := f["active_conversation"].GetStringValue(); a != "" {
		fmt.Fprintf(tw, "open conversation:\t%s\n", a)
	}
	fmt.Fprintf(tw, "queued sends:\t%d\n", int(f["queue_length"].GetNumberValue()))
	fmt.Fprintf(tw, "mirrored:\t%d conversations, %d messages\n",
		int(f["conversation_count"].GetNumberValue()), int(f["message_count"].GetNumberValue()))
	for _, v := range f["subscriptions"].GetListValue().GetValues() {
		s := v.GetStructValue().GetFields()
		mark := "inactive"
		if s["active"].GetBoolValue() {
			mark = "active"
		}
		fmt.Fprintf(tw, "subscription:\t%s\t%s\t%s\n", s["id"].GetStringValue(), s["topic"].GetStringValue(), mark)
	}
}

func printConversations(w io.Writer, list *structpb.ListValue) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	fmt.Fprintln(tw, "ID\tNAME\tUNREAD\tLAST\tMESSAGE")
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		unread := ""
		if n := int(f["unreadCount"].GetNumberValue()); n > 0 {
			unread = fmt.Sprint(n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			f["id"].GetStringValue(),
			f["name"].GetStringValue(),
			unread,
			shortTime(f["lastMessageAt"].GetStringValue()),
			truncate(f["lastMessage"].GetStringValue(), 40),
		)
	}
}

func printMessages(w io.Writer, msgs []*structpb.Value) {
	for _, v := range msgs {
		f := v.GetStructValue().GetFields()
		sender := f["senderName"].GetStringValue()
		if sender == "" {
			sender = f["senderId"].GetStringValue()
		}
		text := f["text"].GetStringValue()
		if url := f["mediaUrl"].GetStringValue(); url != "" {
			text = fmt.Sprintf("[%s] %s %s", f["type"].GetStringValue(), text, url)
		}
		fmt.Fprintf(w, "%s  %-12s %s  (%s)\n",
			shortTime(f["timestamp"].GetStringValue()), sender, text, f["status"].GetStringValue())
	}
}

func printEvent(w io.Writer, evt *structpb.Struct) {
	f := evt.GetFields()
	ts := time.UnixMilli(int64(f["timestamp_ms"].GetNumberValue())).Format(time.TimeOnly)
	payload, err := protojson.Marshal(f["payload"])
	if err != nil {
		payload = []byte("?")
	}
	fmt.Fprintf(w, "%s  %-26s %s\n", ts, f["kind"].GetStringValue(), payload)
}

func printProfiles(w io.Writer, rows []profileRow) {
	slices.SortFunc(rows, func(a, b profileRow) int { return cmp.Compare(a.Name, b.Name) })
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	fmt.Fprintln(tw, "PROFILE\tDAEMON\tDEFAULT")
	for _, r := range rows {
		daemon := "stopped"
		if r.PID > 0 {
			daemon = fmt.Sprintf("pid %d", r.PID)
		}
		def := ""
		if r.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, daemon, def)
	}
}

// shortTime renders an RFC 3339 timestamp as local time, dropping the
// date for today.
func shortTime(raw string) string {
	if raw == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	t = t.Local()
	if t.Format(time.DateOnly) == time.Now().Format(time.DateOnly) {
		return t.Format("15:04")
	}
	return t.Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
