package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/auth"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/database"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/proxy"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/server"
)

type plainVerifier struct{}

func (plainVerifier) Verify(password, hash string) bool { return password == hash }

type fakeCorrelator struct {
	mu        sync.Mutex
	delivered []string
	prunes    int
}

func (f *fakeCorrelator) Deliver(topic string, _ []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, topic)
	return true
}

func (f *fakeCorrelator) Prune(time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	return 0
}

type fakeUpstream struct {
	mu         sync.Mutex
	published  []string
	subscribed []string
	messages   chan proxy.Message
	closed     int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{messages: make(chan proxy.Message, 8)}
}

func (f *fakeUpstream) Publish(topic string, _ []byte, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeUpstream) Subscribe(filter string, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, filter)
	return nil
}

func (f *fakeUpstream) Messages() <-chan proxy.Message { return f.messages }

func (f *fakeUpstream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeUpstream) state() (published, subscribed []string, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...), append([]string(nil), f.subscribed...), f.closed
}

type fatalRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fatalRecorder) fatal(format string, v ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, v...))
}

func (f *fatalRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func proxyConfig(server string) config.Config {
	cfg := config.Default()
	cfg.Proxy.Enabled = true
	cfg.Proxy.MQTTServer = server
	return cfg
}

func relayWith(cfg config.Config, up proxy.Upstream, err error) *proxy.Relay {
	return proxy.NewRelay(cfg, proxy.WithDialer(func(context.Context, proxy.Credentials) (proxy.Upstream, error) {
		return up, err
	}))
}

func session(clientID, username, password string) *server.Session {
	return &server.Session{ID: "test", ClientID: clientID, Username: username, Password: password}
}

func TestAuthenticateBot(t *testing.T) {
	registry := database.NewMemoryStore()
	p := New(config.Default(), registry)

	if !p.OnAuthenticate(session("E0001@ls1ok3/wC3g", "sn-0001", "x")) {
		t.Fatal("bot rejected")
	}
	bot, err := registry.GetBot(context.Background(), "E0001")
	if err != nil {
		t.Fatalf("bot not registered: %v", err)
	}
	if bot.Serial != "sn-0001" || bot.Class != "ls1ok3" || bot.Resource != "wC3g" || bot.Company != database.ProtocolEcoNG {
		t.Fatalf("unexpected bot record %+v", bot)
	}

	if !p.OnAuthenticate(session("E0002@126/bot", "", "")) {
		t.Fatal("bot without username rejected")
	}
	bot, _ = registry.GetBot(context.Background(), "E0002")
	if bot == nil || bot.Serial != "E0002" {
		t.Fatalf("serial fallback = %+v", bot)
	}
}

func TestAuthenticateHelperBot(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.AuthEnforced = true
	p := New(cfg, database.NewMemoryStore())

	if !p.OnAuthenticate(session("helperbot@bumper/helperbot", "", "")) {
		t.Fatal("helperbot rejected")
	}
	if !p.OnAuthenticate(session("helperbot@ecouser/any", "", "wrong")) {
		t.Fatal("helperbot in another known realm rejected")
	}
}

func TestAuthenticateOperator(t *testing.T) {
	registry := database.NewMemoryStore()
	ctx := context.Background()
	_ = registry.AddAuthcode(ctx, database.Authcode{UserID: "user1", Authcode: "code1"})

	cfg := config.Default()
	cfg.Auth.AuthEnforced = true
	p := New(cfg, registry)

	if p.OnAuthenticate(session("user1@ecouser/IOSF53D07BA", "user1", "bad")) {
		t.Fatal("wrong authcode accepted")
	}
	if _, err := registry.GetClient(ctx, "IOSF53D07BA"); !errors.Is(err, database.ErrNotFound) {
		t.Fatal("rejected operator registered")
	}
	if !p.OnAuthenticate(session("user1@ecouser/IOSF53D07BA", "user1", "code1")) {
		t.Fatal("valid authcode rejected")
	}
	client, err := registry.GetClient(ctx, "IOSF53D07BA")
	if err != nil || client.UserID != "user1" || client.Realm != "ecouser" {
		t.Fatalf("client = %+v, %v", client, err)
	}

	cfg.Auth.AuthEnforced = false
	p = New(cfg, registry)
	if !p.OnAuthenticate(session("user2@ecouser/res2", "user2", "")) {
		t.Fatal("operator rejected with enforcement disabled")
	}
}

func TestAuthenticateFallbacks(t *testing.T) {
	store := auth.NewCredentialStore(plainVerifier{})
	if err := store.Read(strings.NewReader("# users\nadmin:secret\n")); err != nil {
		t.Fatalf("Read: %v", err)
	}

	tests := []struct {
		name      string
		anonymous bool
		session   *server.Session
		want      bool
	}{
		{"file user", false, session("dashboard", "admin", "secret"), true},
		{"file user bad password", false, session("dashboard", "admin", "nope"), false},
		{"unknown user", false, session("dashboard", "ghost", "x"), false},
		{"no username", false, session("dashboard", "", ""), false},
		{"anonymous", true, session("dashboard", "", ""), true},
		{"anonymous bad password", true, session("dashboard", "admin", "nope"), true},
		{"operator falls back to file", false, session("user9@ecouser/r", "admin", "secret"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Auth.AuthEnforced = true
			cfg.Auth.AllowAnonymous = tt.anonymous
			p := New(cfg, database.NewMemoryStore(), WithCredentials(store))
			if got := p.OnAuthenticate(tt.session); got != tt.want {
				t.Fatalf("OnAuthenticate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticateBotOpensProxy(t *testing.T) {
	up := newFakeUpstream()
	cfg := proxyConfig("mq.example.com")
	relay := relayWith(cfg, up, nil)
	p := New(cfg, database.NewMemoryStore(), WithRelay(relay))
	defer relay.Invoke(context.Background())

	if !p.OnAuthenticate(session("E0001@ls1ok3/wC3g", "sn", "pw")) {
		t.Fatal("bot rejected")
	}
	if !relay.Has("E0001@ls1ok3/wC3g") {
		t.Fatal("proxy session not opened")
	}
	if _, subscribed, _ := up.state(); len(subscribed) != 1 || subscribed[0] != "iot/#" {
		t.Fatalf("upstream subscriptions = %v", subscribed)
	}

	// operators are never proxied
	if !p.OnAuthenticate(session("helperbot@bumper/helperbot", "", "")) || relay.Len() != 1 {
		t.Fatal("helperbot must not open a proxy session")
	}
}

func TestAuthenticateBotProxyFailures(t *testing.T) {
	fatal := &fatalRecorder{}
	cfg := proxyConfig("")
	relay := relayWith(cfg, nil, nil)
	p := New(cfg, database.NewMemoryStore(), WithRelay(relay), WithFatal(fatal.fatal))
	p.OnAuthenticate(session("E0001@ls1ok3/wC3g", "sn", "pw"))
	if fatal.count() != 1 {
		t.Fatalf("missing upstream must be fatal, got %d calls", fatal.count())
	}

	fatal = &fatalRecorder{}
	cfg = proxyConfig("mq.example.com")
	relay = relayWith(cfg, nil, errors.New("connection refused"))
	p = New(cfg, database.NewMemoryStore(), WithRelay(relay), WithFatal(fatal.fatal))
	if !p.OnAuthenticate(session("E0001@ls1ok3/wC3g", "sn", "pw")) {
		t.Fatal("upstream failure must not reject the bot")
	}
	if fatal.count() != 0 || relay.Has("E0001@ls1ok3/wC3g") {
		t.Fatal("dial failure must be tolerated without a session")
	}
}

func TestConnectedState(t *testing.T) {
	registry := database.NewMemoryStore()
	ctx := context.Background()
	p := New(config.Default(), registry)

	p.OnAuthenticate(session("E0001@ls1ok3/wC3g", "sn", ""))
	p.OnAuthenticate(session("user1@ecouser/res1", "user1", ""))
	p.OnClientConnected("E0001@ls1ok3/wC3g")
	p.OnClientConnected("user1@ecouser/res1")
	p.OnClientConnected("malformed")

	bot, _ := registry.GetBot(ctx, "E0001")
	client, _ := registry.GetClient(ctx, "res1")
	if !bot.MQTTConnection || !client.MQTTConnection {
		t.Fatalf("expected both online: bot=%v client=%v", bot.MQTTConnection, client.MQTTConnection)
	}

	p.OnClientDisconnected("E0001@ls1ok3/wC3g")
	p.OnClientDisconnected("user1@ecouser/res1")
	p.OnClientDisconnected("user1@ecouser/res1")
	bot, _ = registry.GetBot(ctx, "E0001")
	client, _ = registry.GetClient(ctx, "res1")
	if bot.MQTTConnection || client.MQTTConnection {
		t.Fatal("expected both offline")
	}
}

func TestDisconnectClosesProxy(t *testing.T) {
	up := newFakeUpstream()
	cfg := proxyConfig("mq.example.com")
	relay := relayWith(cfg, up, nil)
	p := New(cfg, database.NewMemoryStore(), WithRelay(relay))
	bot := "E0001@ls1ok3/wC3g"
	p.OnAuthenticate(session(bot, "sn", "pw"))

	p.OnClientDisconnected(bot)
	p.OnClientDisconnected(bot)
	if relay.Has(bot) {
		t.Fatal("proxy session survived disconnect")
	}
	if _, _, closed := up.state(); closed != 1 {
		t.Fatalf("upstream closed %d times", closed)
	}
}

func TestClassify(t *testing.T) {
	p := New(config.Default(), database.NewMemoryStore())
	tests := []struct {
		topic string
		want  string
	}{
		{"iot/p2p/GetWKVer/E0001/ls1ok3/wC3g/helperbot/bumper/helperbot/p/abc/j", ClassReply},
		{"iot/p2p/GetWKVer/helperbot/bumper/helperbot/E0001/ls1ok3/wC3g/q/abc/j", ClassCommand},
		{"iot/atr/errors/E0001/ls1ok3/wC3g/j", ClassError},
		{"iot/atr/onBattery/E0001/ls1ok3/wC3g/j", ClassBroadcast},
		{"iot/p2p/GetWKVer/E0001/ls1ok3/wC3g/proxyhelper/t/r/p/abc/j", ClassUnclassified},
		{"iot/p2p", ClassUnclassified},
		{"", ClassUnclassified},
	}
	for _, tt := range tests {
		if got := p.Classify(tt.topic); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.topic, got, tt.want)
		}
	}
}

func TestMessageRouting(t *testing.T) {
	correlator := &fakeCorrelator{}
	p := New(config.Default(), database.NewMemoryStore(), WithCorrelator(correlator))

	reply := "iot/p2p/GetWKVer/E0001/ls1ok3/wC3g/helperbot/bumper/helperbot/p/abc/j"
	p.OnMessageReceived("E0001@ls1ok3/wC3g", reply, []byte(`{"ret":"ok"}`), 0)
	p.OnMessageReceived("E0001@ls1ok3/wC3g", "iot/atr/errors/E0001/ls1ok3/wC3g/j", []byte(`{}`), 0)
	p.OnMessageReceived("E0001@ls1ok3/wC3g", "weird", nil, 0)

	correlator.mu.Lock()
	defer correlator.mu.Unlock()
	if len(correlator.delivered) != 1 || correlator.delivered[0] != reply {
		t.Fatalf("delivered = %v", correlator.delivered)
	}
	if correlator.prunes != 3 {
		t.Fatalf("prunes = %d, want one per message", correlator.prunes)
	}
}

func TestMessageForwardedUpstream(t *testing.T) {
	up := newFakeUpstream()
	cfg := proxyConfig("mq.example.com")
	relay := relayWith(cfg, up, nil)
	correlator := &fakeCorrelator{}
	p := New(cfg, database.NewMemoryStore(), WithRelay(relay), WithCorrelator(correlator))
	bot := "E0001@ls1ok3/wC3g"
	p.OnAuthenticate(session(bot, "sn", "pw"))
	defer relay.Invoke(context.Background())

	p.OnClientSubscribed(bot, "iot/p2p/+/+/+/+/E0001/ls1ok3/wC3g/#", 1)
	p.OnMessageReceived(bot, "iot/atr/onBattery/E0001/ls1ok3/wC3g/j", []byte(`{}`), 0)
	p.OnMessageReceived(bot, "iot/p2p/GetWKVer/proxyhelper/t/r/E0001/ls1ok3/wC3g/q/abc/j", nil, 0)
	reply := "iot/p2p/GetWKVer/E0001/ls1ok3/wC3g/helperbot/bumper/helperbot/p/abc/j"
	p.OnMessageReceived(bot, reply, nil, 0)
	p.OnMessageReceived("other@ecouser/r", "iot/atr/onBattery/x/y/z/j", nil, 0)

	published, subscribed, _ := up.state()
	if len(published) != 2 || published[0] != "iot/atr/onBattery/E0001/ls1ok3/wC3g/j" || published[1] != reply {
		t.Fatalf("upstream publishes = %v", published)
	}
	if len(subscribed) != 2 || subscribed[1] != "iot/p2p/+/+/+/+/E0001/ls1ok3/wC3g/#" {
		t.Fatalf("upstream subscriptions = %v", subscribed)
	}
	correlator.mu.Lock()
	defer correlator.mu.Unlock()
	if len(correlator.delivered) != 1 {
		t.Fatal("forwarded reply must still reach the correlator")
	}
}
