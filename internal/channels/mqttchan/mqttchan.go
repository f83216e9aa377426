// Package mqttchan is the MQTT channel adapter: it subscribes to an
// inbound topic and publishes assistant replies to a reply topic.
package mqttchan

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"bashobot/internal/config"
	"bashobot/internal/daemon"
)

// inboundPayload is the JSON body expected on the inbound topic.
// session_id defaults to "mqtt" when absent.
type inboundPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// outboundPayload is published to the reply topic.
type outboundPayload struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

// Channel bridges an MQTT broker to the daemon queue.
type Channel struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates the channel but does not connect. Run establishes the
// connection.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{cfg: cfg, logger: logger.With("component", "mqtt")}
}

// Name implements daemon.Listener.
func (c *Channel) Name() string { return "mqtt" }

// Run connects to the broker and blocks until ctx is cancelled.
// autopaho handles reconnects and re-subscribes on connection-up.
func (c *Channel) Run(ctx context.Context, submit func(daemon.Message)) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "bashobot"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: c.cfg.InboundTopic, QoS: 1},
				},
			}); err != nil {
				c.logger.Error("mqtt subscribe failed",
					"topic", c.cfg.InboundTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handleInbound(pr.Packet, submit)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return cm.Disconnect(stopCtx)
}

func (c *Channel) handleInbound(pkt *paho.Publish, submit func(daemon.Message)) {
	var payload inboundPayload
	if err := json.Unmarshal(pkt.Payload, &payload); err != nil {
		// Plain text bodies are accepted too.
		payload = inboundPayload{Text: string(pkt.Payload)}
	}
	if payload.Text == "" {
		c.logger.Warn("mqtt message with empty text", "topic", pkt.Topic)
		return
	}
	if payload.SessionID == "" {
		payload.SessionID = "mqtt"
	}

	submit(daemon.Message{
		SessionID: payload.SessionID,
		Text:      payload.Text,
		Source:    "mqtt",
		Reply: func(reply string) {
			c.publishReply(payload.SessionID, reply)
		},
	})
}

func (c *Channel) publishReply(sessionID, reply string) {
	body, err := json.Marshal(outboundPayload{SessionID: sessionID, Reply: reply})
	if err != nil {
		c.logger.Error("marshal mqtt reply", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.ReplyTopic,
		QoS:     1,
		Payload: body,
	}); err != nil {
		c.logger.Error("mqtt reply publish failed", "topic", c.cfg.ReplyTopic, "error", err)
	}
}
