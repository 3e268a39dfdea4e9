package broker

import (
	"crypto/tls"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is the payload handed to subscription callbacks.
type Message = mqtt.Message

// Handler processes one received message.
type Handler func(Message)

// EventKind tags a ConnectionEvent (§4.L).
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventReconnect
	EventError
)

// Event is forwarded to the event multiplexer's broker channel.
type Event struct {
	Kind EventKind
	Err  error
}

const reconnectBackoff = 5 * time.Second

type subscription struct {
	qos byte
	cb  Handler
}

// Client wraps the raw paho client with a subscription registry so that
// resubscribe() can replay the exact live subscription set after a
// reconnect (§4.D). subscribe/unsubscribe/resubscribe are the only
// registry mutators; publish/disconnect are pass-through.
type Client struct {
	cli mqtt.Client

	mu    sync.Mutex
	subs  map[string]subscription
	connected bool

	Events chan Event
}

func New(brokerURL, clientID string) *Client {
	u, err := url.Parse(brokerURL)
	if err != nil {
		panic(err)
	}
	c := &Client{
		subs:   map[string]subscription{},
		Events: make(chan Event, 16),
	}

	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp", "":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(reconnectBackoff)
	opts.OnConnect = func(mqtt.Client) {
		c.mu.Lock()
		wasConnected := c.connected
		c.connected = true
		c.mu.Unlock()
		if wasConnected {
			c.emit(Event{Kind: EventReconnect})
			if err := c.Resubscribe(); err != nil {
				slog.Error("resubscribe after reconnect failed", "error", err)
			}
		} else {
			c.emit(Event{Kind: EventConnect})
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		slog.Warn("mqtt connection lost", "error", err)
		c.emit(Event{Kind: EventError, Err: err})
	}
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	c.cli = mqtt.NewClient(opts)
	return c
}

func (c *Client) emit(evt Event) {
	select {
	case c.Events <- evt:
	default:
		slog.Warn("broker event channel full, dropping event", "kind", evt.Kind)
	}
}

func (c *Client) Connect() error {
	t := c.cli.Connect()
	t.Wait()
	return t.Error()
}

// Subscribe registers topic in the registry and issues the wire
// subscribe only if it isn't already registered (idempotent).
func (c *Client) Subscribe(topic string, qos byte, cb Handler) error {
	c.mu.Lock()
	_, exists := c.subs[topic]
	c.subs[topic] = subscription{qos: qos, cb: cb}
	c.mu.Unlock()
	if exists {
		return nil
	}
	t := c.cli.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) { cb(m) })
	t.Wait()
	return t.Error()
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	t := c.cli.Unsubscribe(topic)
	t.Wait()
	return t.Error()
}

// Resubscribe replays the full registry after a reconnect (§4.D,
// testable property 3).
func (c *Client) Resubscribe() error {
	c.mu.Lock()
	snapshot := make(map[string]subscription, len(c.subs))
	for k, v := range c.subs {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for topic, sub := range snapshot {
		cb := sub.cb
		t := c.cli.Subscribe(topic, sub.qos, func(_ mqtt.Client, m mqtt.Message) { cb(m) })
		t.Wait()
		if err := t.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions returns the live registry's topic set, i.e. the set
// Resubscribe replays after a reconnect.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	t := c.cli.Publish(topic, qos, retained, payload)
	t.Wait()
	return t.Error()
}

func (c *Client) Disconnect() {
	c.emit(Event{Kind: EventDisconnect})
	c.cli.Disconnect(250)
}
