package irc

import (
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Message
	}{
		{"empty", "", nil},
		{"spaces only", "   ", nil},
		{"prefix without command", ":nick!u@h", nil},
		{"bare command", "quit", &Message{Command: "QUIT"}},
		{"params", "USER alice 0 * :Alice Liddell", &Message{Command: "USER", Params: []string{"alice", "0", "*", "Alice Liddell"}}},
		{"prefix", ":srv PING :token", &Message{Prefix: "srv", Command: "PING", Params: []string{"token"}}},
		{"empty trailing", "PRIVMSG #general :", &Message{Command: "PRIVMSG", Params: []string{"#general", ""}}},
		{"double spaces", "JOIN  #a,#b", &Message{Command: "JOIN", Params: []string{"#a,#b"}}},
		{"trailing with colon", "PRIVMSG #x ::-) hi", &Message{Command: "PRIVMSG", Params: []string{"#x", ":-) hi"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMessage(tt.line)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage(%q) = %#v, want %#v", tt.line, got, tt.want)
			}
		})
	}
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{Command: "PING", Params: []string{"abc"}}, "PING abc"},
		{Message{Prefix: "srv", Command: "NOTICE", Params: []string{"*", "hello there"}}, ":srv NOTICE * :hello there"},
		{Message{Command: "PRIVMSG", Params: []string{"#a", ""}}, "PRIVMSG #a :"},
		{Message{Command: "PRIVMSG", Params: []string{"#a", ":)"}}, "PRIVMSG #a ::)"},
	}
	for _, tt := range tests {
		if got := tt.msg.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}

	forced := &Message{Prefix: "srv", Command: "001", Params: []string{"alice", "Welcome"}}
	if got := forced.encode(true); got != ":srv 001 alice :Welcome" {
		t.Errorf("encode(true) = %q", got)
	}
}

func TestChannelTarget(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"#General", "general", true},
		{"#", "", false},
		{"general", "", false},
		{"&local", "", false},
	}
	for _, tt := range tests {
		got, ok := channelTarget(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("channelTarget(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
