package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmetwatch/internal/codec"
	"helmetwatch/internal/eventbus"
	"helmetwatch/internal/model"
	"helmetwatch/internal/transport"
)

type fakeStream struct {
	frames chan []byte
	errs   chan error
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) ReadFrame() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, transport.ErrEndOfStream
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeTransport hands out queued streams; Open fails when the queue is empty.
type fakeTransport struct {
	mu      sync.Mutex
	streams []*fakeStream
	opens   int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Open(ctx context.Context, address string) (transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.streams) == 0 {
		return nil, &transport.ConnectError{Address: address, Err: errors.New("refused")}
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeTransport) push(s *fakeStream) {
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type recorder struct {
	mu       sync.Mutex
	states   []model.ConnectionState
	readings []model.SensorReading
	topics   []string
}

func (r *recorder) attach(bus *eventbus.Bus) {
	bus.Subscribe(model.TopicNetworkStatus, func(ev eventbus.Event) error {
		r.mu.Lock()
		r.states = append(r.states, ev.Payload.(model.StatusEvent).State)
		r.mu.Unlock()
		return nil
	})
	for _, k := range []model.Kind{model.KindGas, model.KindTemperature, model.KindHumidity, model.KindGPS, model.KindAccelerometer} {
		bus.Subscribe(model.SensorTopic(k), func(ev eventbus.Event) error {
			r.mu.Lock()
			r.readings = append(r.readings, ev.Payload.(model.SensorReading))
			r.topics = append(r.topics, ev.Topic)
			r.mu.Unlock()
			return nil
		})
	}
}

func (r *recorder) stateList() []model.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConnectionState(nil), r.states...)
}

func (r *recorder) topicList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func testConfig() ManagerConfig {
	return ManagerConfig{
		Address:           "10.0.0.1:8080",
		Protocol:          "fake",
		AutoReconnect:     true,
		ReconnectInterval: 10 * time.Millisecond,
		MaxAttempts:       3,
		StopGrace:         time.Second,
	}
}

func setup(cfg ManagerConfig, tr *fakeTransport) (*Manager, *recorder) {
	bus := eventbus.New(nil)
	rec := &recorder{}
	rec.attach(bus)
	return NewManager(cfg, tr, codec.New(nil), bus, nil, nil), rec
}

func TestConnectAndPublishReadings(t *testing.T) {
	tr := &fakeTransport{}
	s := newFakeStream()
	tr.push(s)
	m, rec := setup(testConfig(), tr)
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)
	s.frames <- []byte(`{"type":"gas","value":45.3,"unit":"ppm","timestamp":1634567890.123}`)
	s.frames <- []byte(`not json`)
	s.frames <- []byte(`{"type":"combined","timestamp":5,"sensors":{"gas":45.3,"temperature":28.5}}`)

	require.Eventually(t, func() bool { return len(rec.topicList()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sensor.gas", "sensor.gas", "sensor.temperature"}, rec.topicList())
	rec.mu.Lock()
	gas := rec.readings[0].(*model.ScalarReading)
	assert.Equal(t, 45.3, gas.Value)
	assert.Equal(t, rec.readings[1].Time(), rec.readings[2].Time())
	rec.mu.Unlock()
	assert.Equal(t, model.StateConnected, m.State())
	assert.Equal(t, []model.ConnectionState{model.StateConnecting, model.StateConnected}, rec.stateList())
}

func TestTransportErrorTriggersReconnect(t *testing.T) {
	tr := &fakeTransport{}
	first, second := newFakeStream(), newFakeStream()
	tr.push(first)
	tr.push(second)
	m, rec := setup(testConfig(), tr)
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)
	first.errs <- &transport.TransportError{Op: "read", Err: errors.New("reset")}

	require.Eventually(t, func() bool { return tr.openCount() == 2 && m.State() == model.StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, []model.ConnectionState{
		model.StateConnecting, model.StateConnected,
		model.StateReconnecting,
		model.StateConnecting, model.StateConnected,
	}, rec.stateList())
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	tr := &fakeTransport{}
	m, rec := setup(cfg, tr)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.State() == model.StateFailed }, time.Second, time.Millisecond)
	assert.Equal(t, 3, tr.openCount())
	states := rec.stateList()
	assert.Equal(t, model.StateFailed, states[len(states)-1])

	// Failed is terminal until a manual reconnect.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, tr.openCount())

	tr.push(newFakeStream())
	m.Reconnect()
	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)
	m.Stop()
	assert.Equal(t, model.StateDisconnected, m.State())
}

func TestAutoReconnectKeepsRetrying(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := setup(testConfig(), tr)
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return tr.openCount() > 5 }, 2*time.Second, time.Millisecond)
	assert.NotEqual(t, model.StateFailed, m.State())
}

func TestStartIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	tr.push(newFakeStream())
	tr.push(newFakeStream())
	m, _ := setup(testConfig(), tr)
	m.Start(context.Background())
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)
	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.openCount())
}

func TestStopUnblocksRead(t *testing.T) {
	tr := &fakeTransport{}
	s := newFakeStream()
	tr.push(s)
	m, rec := setup(testConfig(), tr)
	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)

	start := time.Now()
	m.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, model.StateDisconnected, m.State())
	select {
	case <-s.closed:
	default:
		t.Fatal("stream not closed on stop")
	}
	states := rec.stateList()
	assert.Equal(t, model.StateDisconnected, states[len(states)-1])

	// No reconnect after stop.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tr.openCount())
}

func TestParentCancelDisconnects(t *testing.T) {
	tr := &fakeTransport{}
	s := newFakeStream()
	tr.push(s)
	m, rec := setup(testConfig(), tr)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return m.State() == model.StateDisconnected }, time.Second, time.Millisecond)
	select {
	case <-s.closed:
	default:
		t.Fatal("stream not closed on cancel")
	}
	assert.Equal(t, []model.ConnectionState{model.StateConnecting, model.StateConnected, model.StateDisconnected}, rec.stateList())

	// Stop afterwards publishes nothing new.
	m.Stop()
	assert.Len(t, rec.stateList(), 3)
}

func TestDisabledSensorDropped(t *testing.T) {
	cfg := testConfig()
	cfg.SensorEnabled = func(k model.Kind) bool { return k != model.KindHumidity }
	tr := &fakeTransport{}
	s := newFakeStream()
	tr.push(s)
	m, rec := setup(cfg, tr)
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)
	s.frames <- []byte(`{"type":"combined","timestamp":5,"sensors":{"gas":1,"humidity":40}}`)
	require.Eventually(t, func() bool { return len(rec.topicList()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{"sensor.gas"}, rec.topicList())
}

func TestRetryDelayBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = time.Second
	m := NewManager(cfg, &fakeTransport{}, codec.New(nil), eventbus.New(nil), nil, nil)
	assert.Equal(t, time.Second, m.retryDelay(1))
	assert.Equal(t, time.Second, m.retryDelay(4))

	cfg.MaxReconnectInterval = 5 * time.Second
	m = NewManager(cfg, &fakeTransport{}, codec.New(nil), eventbus.New(nil), nil, nil)
	assert.Equal(t, time.Second, m.retryDelay(1))
	assert.Equal(t, 2*time.Second, m.retryDelay(2))
	assert.Equal(t, 4*time.Second, m.retryDelay(3))
	assert.Equal(t, 5*time.Second, m.retryDelay(4))
}

func TestReconnectSkipsDelay(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour
	tr := &fakeTransport{}
	m, _ := setup(cfg, tr)
	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == model.StateReconnecting }, time.Second, time.Millisecond)
	tr.push(newFakeStream())
	m.Reconnect()
	require.Eventually(t, func() bool { return m.State() == model.StateConnected }, time.Second, time.Millisecond)
}
