package connectivity

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"envnode/internal/config"
	"envnode/internal/events"
	"envnode/internal/logger"
	"envnode/internal/timing"
	"envnode/internal/wifi"
)

type fakeRadio struct {
	connected  bool
	visible    []string
	scanErr    error
	results    []error // consumed in order; nil after exhaustion
	joined     []string
	stateCalls int
	addrErr    error
	addrCalls  int
}

func (r *fakeRadio) State(ctx context.Context) wifi.State {
	r.stateCalls++
	if r.connected {
		return wifi.StateConnected
	}
	return wifi.StateDisconnected
}

func (r *fakeRadio) Associate(ctx context.Context, ssid, password string) error {
	r.joined = append(r.joined, ssid)
	var err error
	if len(r.results) > 0 {
		err, r.results = r.results[0], r.results[1:]
	}
	if err == nil {
		r.connected = true
	}
	return err
}

func (r *fakeRadio) Scan(ctx context.Context) ([]string, error) {
	return r.visible, r.scanErr
}

func (r *fakeRadio) Addresses() (string, string, error) {
	r.addrCalls++
	if r.addrErr != nil {
		return "", "", r.addrErr
	}
	return "10.0.0.7", "AA:BB:CC:DD:EE:FF", nil
}

func (r *fakeRadio) RSSI() (int, error) { return -55, nil }

type fakeSession struct {
	connected    bool
	failures     int // connect failures before success, -1 for always
	attempts     int
	brokers      []string
	subscribed   []string
	subErr       error
	disconnected int
}

func (s *fakeSession) IsConnected() bool { return s.connected }

func (s *fakeSession) Connect(ctx context.Context, host string, port int) error {
	s.attempts++
	s.brokers = append(s.brokers, host)
	if s.failures < 0 || s.attempts <= s.failures {
		return errors.New("connection refused")
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Subscribe(topic string, handler func(string, []byte)) error {
	if s.subErr != nil {
		return s.subErr
	}
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *fakeSession) Disconnect() {
	s.disconnected++
	s.connected = false
}

var errTimeout = wifi.ErrAssociationTimeout

func networks() []config.Network {
	return []config.Network{
		{SSID: "Network1", Password: "p1", BrokerHost: "broker1", BrokerPort: 1883},
		{SSID: "Network2", Password: "p2", BrokerHost: "broker2", BrokerPort: 1883},
		{SSID: "Syrinx", Password: "By-Tor", BrokerHost: "192.168.0.2", BrokerPort: 2112},
	}
}

func newTestManager(t *testing.T, opts Options, radio wifi.Radio, session Session, clock timing.Clock) (*Manager, *events.Store) {
	t.Helper()
	if opts.Networks == nil {
		opts.Networks = networks()
	}
	store := events.NewStore(100)
	m, err := New(opts, radio, session, clock, store, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, store
}

func TestNewValidates(t *testing.T) {
	clock := timing.NewManualClock(0)
	if _, err := New(Options{}, &fakeRadio{}, &fakeSession{}, clock, events.NewStore(1), logger.Nop()); err == nil {
		t.Error("expected error without networks")
	}
	if _, err := New(Options{Networks: networks(), StartIndex: 3}, &fakeRadio{}, &fakeSession{}, clock, events.NewStore(1), logger.Nop()); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestEnsureMQTTCooldown(t *testing.T) {
	clock := timing.NewManualClock(1000)
	session := &fakeSession{failures: -1}
	m, _ := newTestManager(t, Options{
		StartIndex:        2,
		ReconnectCooldown: 20 * time.Second,
	}, &fakeRadio{connected: true}, session, clock)

	ctx := context.Background()

	err := m.EnsureMQTT(ctx, 2)
	if err == nil || errors.Is(err, ErrCooldown) {
		t.Fatalf("first call: err = %v; want connection failure", err)
	}
	if session.attempts != 2 {
		t.Fatalf("attempts = %d; want 2", session.attempts)
	}

	clock.Advance(5000)
	if err := m.EnsureMQTT(ctx, 2); !errors.Is(err, ErrCooldown) {
		t.Fatalf("second call: err = %v; want ErrCooldown", err)
	}
	if session.attempts != 2 {
		t.Errorf("second call inside cooldown made %d additional attempts", session.attempts-2)
	}

	clock.Advance(15000)
	m.EnsureMQTT(ctx, 2)
	if session.attempts != 4 {
		t.Errorf("after cooldown attempts = %d; want 4", session.attempts)
	}

	for _, b := range session.brokers {
		if b != "192.168.0.2" {
			t.Errorf("attempt used broker %s; want the indexed candidate's", b)
		}
	}
}

func TestEnsureMQTTCooldownAcrossWraparound(t *testing.T) {
	clock := timing.NewManualClock(^uint32(0) - 1000)
	session := &fakeSession{failures: -1}
	m, _ := newTestManager(t, Options{ReconnectCooldown: 20 * time.Second}, &fakeRadio{connected: true}, session, clock)

	m.EnsureMQTT(context.Background(), 1)
	clock.Advance(10000) // wraps
	if err := m.EnsureMQTT(context.Background(), 1); !errors.Is(err, ErrCooldown) {
		t.Errorf("err = %v; want ErrCooldown across wraparound", err)
	}
	clock.Advance(10000)
	m.EnsureMQTT(context.Background(), 1)
	if session.attempts != 2 {
		t.Errorf("attempts = %d; want 2", session.attempts)
	}
}

func TestEnsureMQTTSuccess(t *testing.T) {
	clock := timing.NewManualClock(0)
	session := &fakeSession{failures: 1}
	m, store := newTestManager(t, Options{CommandTopic: "desk/command"}, &fakeRadio{connected: true}, session, clock)

	hooks := 0
	m.SetCommandHandler(func(string, []byte) {})
	m.OnConnected(func() { hooks++ })

	if err := m.EnsureMQTT(context.Background(), 3); err != nil {
		t.Fatalf("EnsureMQTT: %v", err)
	}
	if session.attempts != 2 {
		t.Errorf("attempts = %d; want 2", session.attempts)
	}
	if !reflect.DeepEqual(session.subscribed, []string{"desk/command"}) {
		t.Errorf("subscribed = %v", session.subscribed)
	}
	if hooks != 1 {
		t.Errorf("on-connect hook ran %d times", hooks)
	}

	// Connected: no-op
	if err := m.EnsureMQTT(context.Background(), 3); err != nil || session.attempts != 2 || hooks != 1 {
		t.Errorf("connected call was not a no-op: err=%v attempts=%d hooks=%d", err, session.attempts, hooks)
	}

	last := store.GetLast(1)[0]
	if last.Type != events.EventMQTTConnected || !last.Success {
		t.Errorf("last event = %+v", last)
	}
}

func TestEnsureMQTTExhaustedStaysDisconnected(t *testing.T) {
	session := &fakeSession{failures: -1}
	m, store := newTestManager(t, Options{}, &fakeRadio{connected: true}, session, timing.NewManualClock(0))

	if err := m.EnsureMQTT(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
	if session.attempts != 1 {
		t.Errorf("maxAttempts < 1 made %d attempts; want 1", session.attempts)
	}
	if m.MQTTConnected() {
		t.Error("session reported connected")
	}
	if got := m.Status(context.Background()).MQTTFailedBursts; got != 1 {
		t.Errorf("MQTTFailedBursts = %d", got)
	}
	if store.GetLast(1)[0].Type != events.EventMQTTFailed {
		t.Error("failure not recorded")
	}
}

func TestEnsureMQTTSubscribeFailure(t *testing.T) {
	session := &fakeSession{subErr: errors.New("not authorized")}
	m, _ := newTestManager(t, Options{CommandTopic: "desk/command"}, &fakeRadio{connected: true}, session, timing.NewManualClock(0))
	m.SetCommandHandler(func(string, []byte) {})

	if err := m.EnsureMQTT(context.Background(), 1); err == nil {
		t.Fatal("expected subscribe error")
	}
	if session.disconnected != 1 || session.connected {
		t.Error("session must be dropped when the command topic cannot be subscribed")
	}
}

func TestEnsureWiFiCyclesBackToStart(t *testing.T) {
	radio := &fakeRadio{results: []error{errTimeout, errTimeout, errTimeout, nil}}
	m, _ := newTestManager(t, Options{WiFiEnabled: true, StartIndex: 1}, radio, &fakeSession{}, timing.NewManualClock(0))

	if err := m.EnsureWiFi(context.Background()); err != nil {
		t.Fatalf("EnsureWiFi: %v", err)
	}

	want := []string{"Network2", "Syrinx", "Network1", "Network2"}
	if !reflect.DeepEqual(radio.joined, want) {
		t.Errorf("joined = %v; want %v", radio.joined, want)
	}
	if m.Index() != 1 {
		t.Errorf("after 3 timeouts over 3 candidates Index = %d; want 1", m.Index())
	}
	if st := m.Status(context.Background()); st.WiFiFailures != 3 {
		t.Errorf("WiFiFailures = %d; want 3", st.WiFiFailures)
	}

	id := m.Identity()
	if id.IP != "10.0.0.7" || id.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("identity = %+v", id)
	}
}

func TestEnsureWiFiSelectsBrokerOfAssociatedNetwork(t *testing.T) {
	radio := &fakeRadio{results: []error{errTimeout}}
	session := &fakeSession{}
	m, _ := newTestManager(t, Options{WiFiEnabled: true, StartIndex: 2}, radio, session, timing.NewManualClock(0))

	if err := m.EnsureWiFi(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Index() != 0 || m.Network().BrokerHost != "broker1" {
		t.Errorf("index = %d broker = %s", m.Index(), m.Network().BrokerHost)
	}

	m.EnsureMQTT(context.Background(), 1)
	if !reflect.DeepEqual(session.brokers, []string{"broker1"}) {
		t.Errorf("brokers = %v", session.brokers)
	}
}

func TestEnsureWiFiSkipsInvisibleSSID(t *testing.T) {
	radio := &fakeRadio{visible: []string{"Neighbour", "Syrinx"}}
	m, store := newTestManager(t, Options{WiFiEnabled: true, ScanBeforeJoin: true}, radio, &fakeSession{}, timing.NewManualClock(0))

	if err := m.EnsureWiFi(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(radio.joined, []string{"Syrinx"}) {
		t.Errorf("joined = %v", radio.joined)
	}

	skipped := 0
	for _, e := range store.GetAll() {
		if e.Type == events.EventWiFiSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Errorf("skipped events = %d; want 2", skipped)
	}
}

func TestEnsureWiFiNothingVisiblePausesUntilCancelled(t *testing.T) {
	radio := &fakeRadio{visible: []string{"Neighbour"}}
	m, _ := newTestManager(t, Options{WiFiEnabled: true, ScanBeforeJoin: true, ConnectTimeout: time.Second}, radio, &fakeSession{}, timing.NewManualClock(0))

	ctx, cancel := context.WithCancel(context.Background())
	pauses := 0
	m.sleep = func(ctx context.Context, d time.Duration) error {
		pauses++
		if d != time.Second {
			t.Errorf("pause = %v", d)
		}
		if pauses == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := m.EnsureWiFi(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
	if len(radio.joined) != 0 {
		t.Errorf("associated with invisible networks: %v", radio.joined)
	}
	if m.Index() != 0 {
		t.Errorf("Index = %d; two full passes must end at the start", m.Index())
	}
}

func TestEnsureWiFiScanFailureFallsThrough(t *testing.T) {
	radio := &fakeRadio{scanErr: errors.New("radio busy")}
	m, _ := newTestManager(t, Options{WiFiEnabled: true, ScanBeforeJoin: true}, radio, &fakeSession{}, timing.NewManualClock(0))

	if err := m.EnsureWiFi(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(radio.joined, []string{"Network1"}) {
		t.Errorf("joined = %v", radio.joined)
	}
}

func TestEnsureWiFiAssociatedIsNoop(t *testing.T) {
	clock := timing.NewManualClock(0)
	radio := &fakeRadio{connected: true}
	m, _ := newTestManager(t, Options{WiFiEnabled: true, LinkCheckInterval: 2 * time.Second}, radio, &fakeSession{}, clock)

	for i := 0; i < 5; i++ {
		if err := m.EnsureWiFi(context.Background()); err != nil {
			t.Fatal(err)
		}
		clock.Advance(100)
	}
	if len(radio.joined) != 0 {
		t.Errorf("associated while already connected: %v", radio.joined)
	}
	if radio.stateCalls != 1 {
		t.Errorf("radio queried %d times within the link check interval", radio.stateCalls)
	}
	if m.Identity().IP != "10.0.0.7" {
		t.Error("identity not resolved for a pre-associated radio")
	}

	clock.Advance(2000)
	m.EnsureWiFi(context.Background())
	if radio.stateCalls != 2 {
		t.Errorf("stateCalls = %d; want 2 after the interval", radio.stateCalls)
	}
}

func TestEnsureWiFiWired(t *testing.T) {
	radio := &fakeRadio{}
	m, _ := newTestManager(t, Options{WiFiEnabled: false, Hostname: "bench"}, radio, &fakeSession{}, timing.NewManualClock(0))

	if err := m.EnsureWiFi(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(radio.joined) != 0 || radio.stateCalls != 0 {
		t.Error("wired mode touched the radio")
	}
	id := m.Identity()
	if id.Hostname != "bench" || id.IP != "10.0.0.7" {
		t.Errorf("identity = %+v", id)
	}
	if m.RSSI() != 0 {
		t.Errorf("wired RSSI = %d", m.RSSI())
	}
}

func TestEnsureWiFiWiredRetryIsThrottled(t *testing.T) {
	radio := &fakeRadio{addrErr: errors.New("no such interface eht0")}
	clock := timing.NewManualClock(0)
	m, _ := newTestManager(t, Options{WiFiEnabled: false}, radio, &fakeSession{}, clock)

	if err := m.EnsureWiFi(context.Background()); err == nil || errors.Is(err, ErrLinkPending) {
		t.Fatalf("first check err = %v; want lookup error", err)
	}
	for i := 0; i < 100; i++ {
		clock.Advance(10)
		if err := m.EnsureWiFi(context.Background()); !errors.Is(err, ErrLinkPending) {
			t.Fatalf("err = %v at %dms; want ErrLinkPending", err, clock.Millis())
		}
	}
	if radio.addrCalls != 1 {
		t.Errorf("addrCalls = %d; want 1 within the check interval", radio.addrCalls)
	}

	radio.addrErr = nil
	clock.Advance(1000)
	if err := m.EnsureWiFi(context.Background()); err != nil {
		t.Fatalf("err = %v after the interval", err)
	}
	if radio.addrCalls != 2 || m.Identity().IP != "10.0.0.7" {
		t.Errorf("addrCalls = %d identity = %+v", radio.addrCalls, m.Identity())
	}
}

func TestEnsureWiFiCancelled(t *testing.T) {
	radio := &fakeRadio{results: []error{errTimeout, errTimeout}}
	m, _ := newTestManager(t, Options{WiFiEnabled: true}, radio, &fakeSession{}, timing.NewManualClock(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.EnsureWiFi(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v; want context.Canceled", err)
	}
}
