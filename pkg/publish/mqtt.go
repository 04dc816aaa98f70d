// Package publish pushes derived forecast values to an MQTT broker as
// retained JSON messages, one topic per value.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/log"
)

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher publishes to one broker. A Publisher without a broker discards
// everything.
type Publisher struct {
	client  client
	prefix  string
	timeout time.Duration
}

// Configured returns a publisher set up from the --mqtt-* flags.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker host:port, empty disables publishing")
	prefix := lflag.String("mqtt-topic-prefix", "forecaster", "Prefix of every published topic")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "forecaster", "MQTT client ID")

	p := &Publisher{timeout: 10 * time.Second}
	lflag.Do(func() {
		p.prefix = strings.TrimSuffix(*prefix, "/")
		if *broker == "" {
			return
		}
		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", *broker))
		opts.SetClientID(*clientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectTimeout(10 * time.Second)
		if *username != "" {
			opts.SetUsername(*username)
		}
		if *password != "" {
			opts.SetPassword(*password)
		}
		p.client = mqtt.NewClient(opts)
	})
	return p
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.client != nil
}

// Connect starts connecting to the broker. The client keeps retrying in the
// background if the broker is not reachable within the timeout.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	tok := p.client.Connect()
	if !tok.WaitTimeout(p.timeout) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt broker not reachable yet, retrying in the background")
		return nil
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Publish sends every value as a retained JSON message on prefix/name. All
// values are attempted and the first failure is returned.
func (p *Publisher) Publish(ctx context.Context, values map[string]any) error {
	if p.client == nil {
		return nil
	}
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	var first error
	for _, name := range slices.Sorted(maps.Keys(values)) {
		if err := p.publish(ctx, name, values[name]); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish value", slog.String("topic", name), slog.Any("error", err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (p *Publisher) publish(ctx context.Context, name string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	tok := p.client.Publish(p.prefix+"/"+name, 1, true, b)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("timed out publishing %s", name)
	}
	return tok.Error()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
