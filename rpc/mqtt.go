package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

const mqttKeepAlive = 30

// MQTTServer answers request frames published to "<deviceID>/rpc". The
// response goes to the MQTT v5 response topic when the request carries one,
// otherwise to "<src>/rpc".
type MQTTServer struct {
	dispatcher *Dispatcher
	deviceID   string
	addr       string
	clientID   string
	ready      chan struct{}
	readyOnce  sync.Once
}

// NewMQTTServer creates the server for a tcp:// or mqtt:// broker url. An
// empty clientID is derived from the device id.
func NewMQTTServer(d *Dispatcher, deviceID, broker, clientID string) (*MQTTServer, error) {
	addr, err := brokerAddress(broker)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = deviceID + "-" + uuid.NewString()[:8]
	}
	return &MQTTServer{
		dispatcher: d,
		deviceID:   deviceID,
		addr:       addr,
		clientID:   clientID,
		ready:      make(chan struct{}),
	}, nil
}

func (s *MQTTServer) RequestTopic() string {
	return s.deviceID + "/rpc"
}

// Ready is closed once the request topic is subscribed.
func (s *MQTTServer) Ready() <-chan struct{} {
	return s.ready
}

// inflight tracks request goroutines. Once closed it refuses new work, so
// Close never races with Go.
type inflight struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (f *inflight) Go(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
	return true
}

// Close stops accepting work and waits for the running goroutines.
func (f *inflight) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
}

func brokerAddress(broker string) (string, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return "", fmt.Errorf("failed to parse broker url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt":
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "1883"), nil
	}
	return u.Host, nil
}

// Run connects to the broker and serves requests until ctx is done or the
// connection is lost.
func (s *MQTTServer) Run(ctx context.Context) error {
	addr := s.addr
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", addr, err)
	}

	lost := make(chan error, 1)
	signalLost := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	var work inflight
	defer work.Close()

	var client *paho.Client
	client = paho.NewClient(paho.ClientConfig{
		ClientID: s.clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				// Publishing from inside the callback blocks the read loop.
				if !work.Go(func() { s.handle(ctx, client, pr.Packet) }) {
					slog.Debug("Dropping RPC request after shutdown", "topic", pr.Packet.Topic)
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			slog.Error("MQTT client error", "error", err)
			signalLost(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			slog.Warn("MQTT broker disconnected", "reason", d.ReasonCode)
			signalLost(fmt.Errorf("server disconnect, reason %d", d.ReasonCode))
		},
	})

	connack, err := client.Connect(ctx, &paho.Connect{
		ClientID:   s.clientID,
		KeepAlive:  mqttKeepAlive,
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect as %s: %w", s.clientID, err)
	}
	if connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("broker refused connection, reason %d", connack.ReasonCode)
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.RequestTopic(), QoS: 1}},
	}); err != nil {
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return fmt.Errorf("failed to subscribe to %s: %w", s.RequestTopic(), err)
	}
	slog.Info("RPC MQTT server subscribed", "broker", addr, "topic", s.RequestTopic(), "client", s.clientID)
	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		if err := client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
			slog.Debug("MQTT disconnect failed", "error", err)
		}
		slog.Info("RPC MQTT server stopped")
		return nil
	case err := <-lost:
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return fmt.Errorf("lost broker connection: %w", err)
	}
}

func (s *MQTTServer) handle(ctx context.Context, client *paho.Client, p *paho.Publish) {
	var resp Response
	req, err := DecodeRequest(p.Payload)
	if err != nil {
		resp = errorResponse(req, s.deviceID, err)
	} else {
		resp = s.dispatcher.Serve(ctx, req, s.deviceID)
	}

	out := &paho.Publish{QoS: 1}
	if p.Properties != nil && p.Properties.ResponseTopic != "" {
		out.Topic = p.Properties.ResponseTopic
		out.Properties = &paho.PublishProperties{CorrelationData: p.Properties.CorrelationData}
	} else if req.Src != "" {
		out.Topic = req.Src + "/rpc"
	} else {
		slog.Warn("Dropping RPC request without reply address", "method", req.Method, "id", req.ID)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to encode RPC response", "error", err)
		return
	}
	out.Payload = payload

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.Publish(pubCtx, out); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Failed to publish RPC response", "topic", out.Topic, "error", err)
	}
}
