package sip

import (
	"testing"
	"time"
)

func within(d, want time.Duration) bool {
	return d >= time.Duration(float64(want)*0.8)-time.Millisecond &&
		d <= time.Duration(float64(want)*1.2)+time.Millisecond
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff()
	for i, want := range []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	} {
		if d := b.next(); !within(d, want) {
			t.Errorf("attempt %d: delay %v, want %v ±20%%", i, d, want)
		}
	}

	b.reset()
	if b.attempt != 0 {
		t.Fatalf("attempt after reset = %d", b.attempt)
	}
	if d := b.next(); !within(d, 5*time.Second) {
		t.Errorf("delay after reset = %v", d)
	}
}

func TestBackoffJitter(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for range 20 {
		seen[newBackoff().next()] = true
	}
	if len(seen) < 2 {
		t.Errorf("20 samples produced %d distinct delays", len(seen))
	}
}

func TestParseExpires(t *testing.T) {
	tests := []struct {
		name    string
		contact string
		header  string
		want    int
	}{
		{name: "contact param", contact: "<sip:gw@host>;expires=3600", want: 3600},
		{name: "contact param mixed case", contact: "<sip:gw@host>;Expires=120", want: 120},
		{name: "contact param before q", contact: "<sip:gw@host>;expires=60;q=0.5", want: 60},
		{name: "contact without expires", contact: "<sip:gw@host>", want: 0},
		{name: "header", header: " 600 ", want: 600},
		{name: "header garbage", header: "soon", want: 0},
		{name: "empty", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseContactExpires(tt.contact)
			if tt.header != "" || tt.contact == "" {
				got = parseExpiresHeader(tt.header)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTrunkDefaults(t *testing.T) {
	tr := Trunk{Host: "trunk.example.com", Port: 5060, Transport: "udp", Username: "acct"}

	if got := tr.uri("15551234567"); got != "sip:15551234567@trunk.example.com:5060" {
		t.Errorf("uri = %q", got)
	}
	if got := tr.uri(""); got != "sip:trunk.example.com:5060" {
		t.Errorf("registrar uri = %q", got)
	}
	if tr.authUser() != "acct" || tr.fromUser() != "acct" {
		t.Errorf("authUser = %q fromUser = %q", tr.authUser(), tr.fromUser())
	}
	if tr.transport() != "UDP" {
		t.Errorf("transport = %q", tr.transport())
	}

	tr.AuthUsername, tr.CallerID = "auth-id", "15550001111"
	if tr.authUser() != "auth-id" || tr.fromUser() != "15550001111" {
		t.Errorf("authUser = %q fromUser = %q", tr.authUser(), tr.fromUser())
	}
}
