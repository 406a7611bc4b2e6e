package chatid

import "testing"

func TestTransport(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"sig:+15551234567", "sig"},
		{"sig:group:abc==", "sig"},
		{"slack:U123", "slack"},
		{"slack:cit:channel:C99", "slack"},
		{"voice:session", "voice"},
		{"nocolon", ""},
		{":leading", ""},
	}
	for _, tt := range tests {
		if got := Transport(tt.id); got != tt.want {
			t.Errorf("Transport(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestSignalAddress(t *testing.T) {
	tests := []struct {
		id        string
		recipient string
		group     string
		ok        bool
	}{
		{"sig:+15551234567", "+15551234567", "", true},
		{"sig:group:Zm9v", "", "Zm9v", true},
		{"sig:", "", "", false},
		{"sig:group:", "", "", false},
		{"slack:U1", "", "", false},
	}
	for _, tt := range tests {
		r, g, ok := SignalAddress(tt.id)
		if r != tt.recipient || g != tt.group || ok != tt.ok {
			t.Errorf("SignalAddress(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.id, r, g, ok, tt.recipient, tt.group, tt.ok)
		}
	}
}

func TestSlackAddress(t *testing.T) {
	tests := []struct {
		id        string
		ns        string
		target    string
		isChannel bool
		ok        bool
	}{
		{"slack:U123", "", "U123", false, true},
		{"slack:cit:U123", "cit", "U123", false, true},
		{"slack:channel:C42", "", "C42", true, true},
		{"slack:cit:channel:C42", "cit", "C42", true, true},
		{"slack:cit:group:C42", "", "", false, false},
		{"slack:", "", "", false, false},
	}
	for _, tt := range tests {
		ns, target, isCh, ok := SlackAddress(tt.id)
		if ns != tt.ns || target != tt.target || isCh != tt.isChannel || ok != tt.ok {
			t.Errorf("SlackAddress(%q) = (%q, %q, %v, %v), want (%q, %q, %v, %v)",
				tt.id, ns, target, isCh, ok, tt.ns, tt.target, tt.isChannel, tt.ok)
		}
	}
}

func TestRoundTripBuilders(t *testing.T) {
	if got := SignalGroup("abc"); got != "sig:group:abc" {
		t.Errorf("SignalGroup = %q", got)
	}
	if got := SlackUser("", "U1"); got != "slack:U1" {
		t.Errorf("SlackUser = %q", got)
	}
	if got := SlackChannel("cit", "C1"); got != "slack:cit:channel:C1" {
		t.Errorf("SlackChannel = %q", got)
	}
}

func TestIsGroup(t *testing.T) {
	if IsGroup("sig:+15551234567") {
		t.Error("direct signal chat reported as group")
	}
	if !IsGroup("sig:group:abc") {
		t.Error("signal group not reported as group")
	}
	if !IsGroup("slack:cit:channel:C1") {
		t.Error("slack channel not reported as group")
	}
	if IsGroup("slack:cit:U1") {
		t.Error("slack DM reported as group")
	}
}

func TestValid(t *testing.T) {
	valid := []string{"sig:+1555", "sig:group:x", "slack:U1", "slack:ns:U1", "slack:channel:C1", "slack:ns:channel:C1", "voice:session"}
	for _, id := range valid {
		if !Valid(id) {
			t.Errorf("Valid(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "sig:", "voice:other", "irc:#chan", "slack:a:b:c:d"}
	for _, id := range invalid {
		if Valid(id) {
			t.Errorf("Valid(%q) = true, want false", id)
		}
	}
}
