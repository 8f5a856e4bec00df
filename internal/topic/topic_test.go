package topic

import (
	"errors"
	"testing"
)

const sample = "iot/p2p/GetWKVer/helperbot/bumper/helperbot/E0001/ls1ok3/wC3g/q/abc1/j"

func TestParseP2P(t *testing.T) {
	p, err := ParseP2P(sample)
	if err != nil {
		t.Fatalf("ParseP2P: %v", err)
	}
	want := P2P{
		Cmd: "GetWKVer", FromID: "helperbot", FromType: "bumper", FromRes: "helperbot",
		ToID: "E0001", ToType: "ls1ok3", ToRes: "wC3g", Mode: "q", RequestID: "abc1", PayloadType: "j",
	}
	if p != want {
		t.Fatalf("ParseP2P = %+v, want %+v", p, want)
	}
	if p.String() != sample {
		t.Errorf("String() = %q, want %q", p.String(), sample)
	}
}

func TestParseP2PRejects(t *testing.T) {
	for _, tp := range []string{
		"",
		"iot/p2p/cmd",
		"iot/atr/onBattery/E0001/ls1ok3/wC3g/j",
		"iot/xxx/GetWKVer/helperbot/bumper/helperbot/E0001/ls1ok3/wC3g/q/abc1/j",
		sample + "/extra",
	} {
		if _, err := ParseP2P(tp); !errors.Is(err, ErrNotP2P) {
			t.Errorf("ParseP2P(%q): expected ErrNotP2P, got %v", tp, err)
		}
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		topic     string
		broadcast bool
		isError   bool
		category  string
	}{
		{"iot/atr/onBattery/E0001/ls1ok3/wC3g/j", true, false, "onBattery"},
		{"iot/atr/errors/E0001/ls1ok3/wC3g/j", true, true, "errors"},
		{"iot/atr", false, false, ""},
		{sample, false, false, ""},
		{"garbage", false, false, ""},
	}
	for _, tt := range tests {
		seg := Split(tt.topic)
		if got := IsBroadcast(seg); got != tt.broadcast {
			t.Errorf("IsBroadcast(%q) = %v", tt.topic, got)
		}
		if got := IsError(seg); got != tt.isError {
			t.Errorf("IsError(%q) = %v", tt.topic, got)
		}
		if got := Category(seg); got != tt.category {
			t.Errorf("Category(%q) = %q", tt.topic, got)
		}
	}
}

func TestReplyToAndSentBy(t *testing.T) {
	reply := "iot/p2p/GetWKVer/E0001/ls1ok3/wC3g/helperbot/bumper/helperbot/p/abc1/j"
	if !ReplyTo(Split(reply), "helperbot") {
		t.Error("reply not recognised")
	}
	if SentBy(Split(reply), "helperbot") {
		t.Error("reply mistaken for outgoing command")
	}
	if !SentBy(Split(sample), "helperbot") {
		t.Error("command sender not recognised")
	}
	if ReplyTo(Split("iot/p2p/x/a/b/c/helperbot"), "helperbot") {
		t.Error("short topic must not be treated as a reply")
	}
	if Segment(Split("a/b"), 5) != "" || Segment(Split("a/b"), -1) != "" {
		t.Error("Segment out of range must be empty")
	}
}

func TestRewrite(t *testing.T) {
	upstream := "iot/p2p/cmdX/HELPERNAME/t/r/BOT/tt/rr/q/REQ1/j"
	rewritten, previous, req, err := RewriteSender(upstream, ProxyHelper)
	if err != nil {
		t.Fatalf("RewriteSender: %v", err)
	}
	if rewritten != "iot/p2p/cmdX/proxyhelper/t/r/BOT/tt/rr/q/REQ1/j" || previous != "HELPERNAME" || req != "REQ1" {
		t.Fatalf("RewriteSender = %q %q %q", rewritten, previous, req)
	}

	back, err := RewriteRecipient("iot/p2p/cmdX/BOT/tt/rr/proxyhelper/t/r/p/REQ1/j", previous)
	if err != nil {
		t.Fatalf("RewriteRecipient: %v", err)
	}
	if back != "iot/p2p/cmdX/BOT/tt/rr/HELPERNAME/t/r/p/REQ1/j" {
		t.Errorf("RewriteRecipient = %q", back)
	}

	if _, _, _, err := RewriteSender("iot/atr/x", ProxyHelper); !errors.Is(err, ErrNotP2P) {
		t.Errorf("expected ErrNotP2P, got %v", err)
	}
}
