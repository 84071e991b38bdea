package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/bus"
	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
	"github.com/xela07ax/pulsemesh-prototype/internal/gate"
)

func newLocalBus(t *testing.T) *bus.Bus {
	t.Helper()
	g := gate.NewRulesetGate(nil, gate.DefaultFallback, nil, nil)
	return bus.New(g, nil, nil, nil, zap.NewNop())
}

func TestUplinkBridgesBothWays(t *testing.T) {
	// Удаленный узел: relay-сервер над собственной шиной
	remoteBus := newLocalBus(t)
	srv := NewServer(remoteBus, NewHMACAuthenticator(testSecret), Config{
		HandshakeTimeout: 2 * time.Second,
		QueueSize:        16,
	}, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	// Локальный узел поднимает uplink к удаленному
	localBus := newLocalBus(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/mesh/*"
	up, err := NewUplink("node-b", wsURL, "node-a", "*", testSecret, localBus, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	up.Start(ctx)

	require.Eventually(t, func() bool { return srv.reg.Count() == 1 },
		3*time.Second, 10*time.Millisecond)

	// Удаленное -> локальное: конверт пира проходит локальный гейт
	fromRemote := make(chan *domain.Envelope, 1)
	_, err = localBus.Subscribe("mirror:update", func(e *domain.Envelope) { fromRemote <- e })
	require.NoError(t, err)

	_, err = remoteBus.Publish("mirror", "core", domain.IntentUpdate, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	select {
	case e := <-fromRemote:
		require.Equal(t, "mirror", e.Origin)
		require.Equal(t, "node-b", e.Provenance.Initiator)
		require.JSONEq(t, `{"v":1}`, string(e.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("remote envelope did not reach local bus")
	}

	// Локальное -> удаленное: origin на той стороне берется из рукопожатия
	fromLocal := make(chan *domain.Envelope, 1)
	_, err = remoteBus.Subscribe("node-b:query", func(e *domain.Envelope) { fromLocal <- e })
	require.NoError(t, err)

	_, err = localBus.Publish("probe", "core", domain.IntentQuery, json.RawMessage(`{"q":1}`))
	require.NoError(t, err)

	select {
	case e := <-fromLocal:
		require.Equal(t, "node-b", e.Origin)
		require.JSONEq(t, `{"q":1}`, string(e.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("local envelope did not reach remote bus")
	}
}

func TestUplinkSkipsOwnEnvelopes(t *testing.T) {
	// Эхо-петля: конверт, влитый uplink-ом с той стороны, не должен
	// уходить обратно пиру.
	remoteBus := newLocalBus(t)
	srv := NewServer(remoteBus, NewHMACAuthenticator(testSecret), Config{
		HandshakeTimeout: 2 * time.Second,
		QueueSize:        16,
	}, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	localBus := newLocalBus(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/mesh/*"
	up, err := NewUplink("node-b", wsURL, "node-a", "*", testSecret, localBus, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	up.Start(ctx)
	require.Eventually(t, func() bool { return srv.reg.Count() == 1 },
		3*time.Second, 10*time.Millisecond)

	echoed := make(chan *domain.Envelope, 4)
	_, err = remoteBus.Subscribe("node-b:update", func(e *domain.Envelope) { echoed <- e })
	require.NoError(t, err)

	arrived := make(chan struct{}, 1)
	_, err = localBus.Subscribe("mirror:update", func(*domain.Envelope) { arrived <- struct{}{} })
	require.NoError(t, err)

	_, err = remoteBus.Publish("mirror", "core", domain.IntentUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case <-arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("envelope did not cross the uplink")
	}

	select {
	case <-echoed:
		t.Fatal("uplink echoed a peer envelope back")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewUplinkRejectsBadTopic(t *testing.T) {
	_, err := NewUplink("node-b", "ws://localhost/mesh/*", "node-a", "bad*:topic", testSecret, newLocalBus(t), zap.NewNop())
	require.Error(t, err)
}

func TestUplinkConcurrentForwarding(t *testing.T) {
	// Несколько продюсеров публикуют в локальную шину одновременно; их
	// кадры уходят пиру через одного писателя. С политикой block ни один
	// кадр не теряется и соединение переживает весь залп.
	remoteBus := newLocalBus(t)
	srv := NewServer(remoteBus, NewHMACAuthenticator(testSecret), Config{
		HandshakeTimeout: 2 * time.Second,
		QueueSize:        256,
	}, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	localBus := newLocalBus(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/mesh/*"
	up, err := NewUplink("node-b", wsURL, "node-a", "*", testSecret, localBus, zap.NewNop(),
		WithUplinkQueue(256, OverflowBlock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	up.Start(ctx)
	require.Eventually(t, func() bool { return srv.reg.Count() == 1 },
		3*time.Second, 10*time.Millisecond)

	const producers = 4
	const perProducer = 25

	var delivered atomic.Int64
	_, err = remoteBus.Subscribe("node-b:update", func(*domain.Envelope) { delivered.Add(1) })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := json.RawMessage(fmt.Sprintf(`{"p":%d,"i":%d}`, p, i))
				if _, err := localBus.Publish("mirror", "core", domain.IntentUpdate, payload); err != nil {
					t.Errorf("publish failed: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return delivered.Load() == producers*perProducer },
		5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), up.dropped.Load())
	require.Equal(t, 1, srv.reg.Count()) // соединение не разорвано
}
