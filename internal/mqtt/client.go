package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// connectMaxElapsed bounds the initial connect retries. Once connected,
// reconnects are handled by the underlying client and never give up.
const connectMaxElapsed = time.Minute

// Config describes the broker connection.
type Config struct {
	Host     string
	Port     int
	ClientID string

	// Service is the name RPC methods are registered under.
	Service string

	// OnMessage receives every message from pattern subscriptions. It is
	// called from the client's dispatch goroutine, one message at a time,
	// and may block to apply backpressure.
	OnMessage func(topic string, payload []byte)
}

// Client wraps the broker connection. Subscriptions are tracked so they
// can be replayed when the connection drops and comes back.
type Client struct {
	paho    paho.Client
	service string

	mu       sync.Mutex
	patterns []string
	routes   map[string]func(topic string, payload []byte)
}

// Dial connects to the broker, retrying with exponential backoff until
// the connect window closes or ctx is cancelled.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{
		service: cfg.Service,
		routes:  make(map[string]func(string, []byte)),
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	if cfg.OnMessage != nil {
		opts.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
			cfg.OnMessage(m.Topic(), m.Payload())
		})
	}
	opts.SetOnConnectHandler(func(_ paho.Client) {
		c.resubscribe()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("broker connection lost", "error", err)
	})
	c.paho = paho.NewClient(opts)

	connect := func() error {
		token := c.paho.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Warn("broker connect failed, retrying", "error", err)
			return err
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	if err := backoff.Retry(connect, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	slog.Info("connected to broker", "host", cfg.Host, "port", cfg.Port)
	return c, nil
}

// Subscribe delivers messages matching pattern to the OnMessage handler.
func (c *Client) Subscribe(pattern string) error {
	c.mu.Lock()
	c.patterns = append(c.patterns, pattern)
	c.mu.Unlock()

	if token := c.paho.Subscribe(pattern, 0, nil); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %q: %w", pattern, token.Error())
	}
	return nil
}

// handle delivers messages matching pattern to h instead of OnMessage.
func (c *Client) handle(pattern string, h func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.routes[pattern] = h
	c.mu.Unlock()

	if token := c.paho.Subscribe(pattern, 0, route(h)); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %q: %w", pattern, token.Error())
	}
	return nil
}

// Publish sends a message at QoS 0.
func (c *Client) Publish(topic string, payload []byte) error {
	if token := c.paho.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish %q: %w", topic, token.Error())
	}
	return nil
}

// Disconnect waits briefly for in-flight messages, then drops the
// connection.
func (c *Client) Disconnect() {
	c.paho.Disconnect(250)
}

// resubscribe replays tracked subscriptions. It runs on every connect;
// on the first one the lists are still empty.
func (c *Client) resubscribe() {
	c.mu.Lock()
	patterns := append([]string(nil), c.patterns...)
	routes := make(map[string]func(string, []byte), len(c.routes))
	for pattern, h := range c.routes {
		routes[pattern] = h
	}
	c.mu.Unlock()

	for _, pattern := range patterns {
		if token := c.paho.Subscribe(pattern, 0, nil); token.Wait() && token.Error() != nil {
			slog.Error("failed to resubscribe", "pattern", pattern, "error", token.Error())
		}
	}
	for pattern, h := range routes {
		if token := c.paho.Subscribe(pattern, 0, route(h)); token.Wait() && token.Error() != nil {
			slog.Error("failed to resubscribe", "pattern", pattern, "error", token.Error())
		}
	}
}

func route(h func(topic string, payload []byte)) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	}
}
