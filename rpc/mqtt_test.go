package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startBroker runs an in-process broker and returns its url.
func startBroker(t *testing.T) string {
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "t1",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { broker.Close() })
	return "tcp://" + addr
}

type testClient struct {
	client   *paho.Client
	received chan *paho.Publish
}

func newTestClient(ctx context.Context, t *testing.T, broker, id string, topic string) *testClient {
	addr, err := brokerAddress(broker)
	require.NoError(t, err)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	require.NoError(t, err)

	tc := &testClient{received: make(chan *paho.Publish, 10)}
	tc.client = paho.NewClient(paho.ClientConfig{
		ClientID: id,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				tc.received <- pr.Packet
				return true, nil
			},
		},
	})
	_, err = tc.client.Connect(ctx, &paho.Connect{ClientID: id, KeepAlive: 5, CleanStart: true})
	require.NoError(t, err)
	_, err = tc.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { tc.client.Disconnect(&paho.Disconnect{ReasonCode: 0}) })
	return tc
}

func (tc *testClient) next(t *testing.T) *paho.Publish {
	select {
	case p := <-tc.received:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no response received")
		return nil
	}
}

func startMQTTServer(ctx context.Context, t *testing.T, broker string) (*MQTTServer, chan error) {
	s, err := NewMQTTServer(newTestDispatcher(t), "dhtiot", broker, "")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("mqtt server failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("mqtt server did not subscribe")
	}
	return s, errCh
}

func TestMQTT_ReplyToSource(t *testing.T) {
	broker := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, errCh := startMQTTServer(ctx, t, broker)
	assert.Equal(t, "dhtiot/rpc", s.RequestTopic())

	tc := newTestClient(ctx, t, broker, "phone", "phone/rpc")
	_, err := tc.client.Publish(ctx, &paho.Publish{
		Topic:   s.RequestTopic(),
		QoS:     1,
		Payload: []byte(`{"id":11,"src":"phone","method":"Dht.Read"}`),
	})
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(tc.next(t).Payload, &resp))
	assert.Equal(t, int64(11), resp.ID)
	assert.Equal(t, "dhtiot", resp.Src)
	assert.Equal(t, "phone", resp.Dst)
	assert.JSONEq(t, `{"temp":22,"humidity":45.5}`, string(resp.Result))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mqtt server did not stop")
	}
}

func TestMQTT_ResponseTopicAndCorrelation(t *testing.T) {
	broker := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, _ := startMQTTServer(ctx, t, broker)
	tc := newTestClient(ctx, t, broker, "dashboard", "replies/dashboard")
	_, err := tc.client.Publish(ctx, &paho.Publish{
		Topic:   s.RequestTopic(),
		QoS:     1,
		Payload: []byte(`{"id":12,"method":"Dht.Nope"}`),
		Properties: &paho.PublishProperties{
			ResponseTopic:   "replies/dashboard",
			CorrelationData: []byte("c-12"),
		},
	})
	require.NoError(t, err)

	p := tc.next(t)
	require.NotNil(t, p.Properties)
	assert.Equal(t, []byte("c-12"), p.Properties.CorrelationData)
	var resp Response
	require.NoError(t, json.Unmarshal(p.Payload, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, 404, resp.Error.Code)
}

func TestMQTT_BrokerUnreachable(t *testing.T) {
	s, err := NewMQTTServer(NewDispatcher(), "dhtiot", fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t)), "dhtiot-test")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, s.Run(ctx))
}

func TestNewMQTTServer_BadBroker(t *testing.T) {
	_, err := NewMQTTServer(NewDispatcher(), "dhtiot", "http://localhost:1883", "")
	assert.ErrorContains(t, err, "unsupported broker scheme")
}

func TestInflight_CloseWaitsForRunningWork(t *testing.T) {
	var work inflight
	release := make(chan struct{})
	var finished atomic.Bool
	require.True(t, work.Go(func() {
		<-release
		finished.Store(true)
	}))

	closed := make(chan struct{})
	go func() {
		work.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while work was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed
	assert.True(t, finished.Load())
}

func TestInflight_RefusesWorkAfterClose(t *testing.T) {
	var work inflight
	work.Close()
	ran := false
	assert.False(t, work.Go(func() { ran = true }))
	work.Close()
	assert.False(t, ran)
}

func TestInflight_ConcurrentGoAndClose(t *testing.T) {
	var work inflight
	var started, done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if work.Go(func() {
				time.Sleep(time.Millisecond)
				done.Add(1)
			}) {
				started.Add(1)
			}
		}()
	}
	work.Close()
	startedAtClose := started.Load()
	assert.GreaterOrEqual(t, done.Load(), startedAtClose, "Close waits for accepted work")
	wg.Wait()
	assert.Equal(t, started.Load(), done.Load())
}

func TestBrokerAddress(t *testing.T) {
	addr, err := brokerAddress("tcp://broker.local")
	require.NoError(t, err)
	assert.Equal(t, "broker.local:1883", addr)

	addr, err = brokerAddress("mqtt://10.0.0.2:1884")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1884", addr)

	_, err = brokerAddress("ws://broker.local")
	assert.Error(t, err)
}
