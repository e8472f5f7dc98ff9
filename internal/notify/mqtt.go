// Package notify mirrors broadcast notifications onto an MQTT topic so
// devices outside the WebSocket surface (wall tablets, automations)
// still see them.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A retained will message
// flips the availability topic to "offline" on unexpected disconnects;
// a birth message flips it back on every (re-)connect.
package notify

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

	"majordomo/internal/config"
	"majordomo/internal/hub"
)

const publishTimeout = 5 * time.Second

// Mirror is a hub subscriber that republishes notification events to
// an MQTT broker.
type Mirror struct {
	logger *slog.Logger
	cfg    config.MQTTConfig
	cm     *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. Call [Mirror.Start].
func New(logger *slog.Logger, cfg config.MQTTConfig) *Mirror {
	return &Mirror{
		logger: logger.With("component", "notify"),
		cfg:    cfg,
	}
}

// Start connects to the broker. It returns once the connection manager
// is running; autopaho handles reconnection in the background for the
// life of ctx.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.cfg.Topic + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected", "broker", m.cfg.Broker)
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			_, err := cm.Publish(pubCtx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			})
			if err != nil {
				m.logger.Warn("availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "majordomo-notify",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	return nil
}

// Stop publishes "offline" and disconnects.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	_, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic + "/availability",
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		m.logger.Warn("offline publish failed", "error", err)
	}
	return m.cm.Disconnect(ctx)
}

// Send implements hub.Subscriber. Notification-bearing events are
// republished to the configured topic; everything else is ignored.
// Errors are swallowed so a broker outage never gets the mirror pruned
// from the hub.
func (m *Mirror) Send(e hub.Event) error {
	if m.cm == nil {
		return nil
	}
	switch e.Type {
	case hub.EventShowNotification, hub.EventNewMessage:
	default:
		return nil
	}

	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Warn("event not mirrored", "type", e.Type, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		m.logger.Warn("event not mirrored", "type", e.Type, "error", err)
	}
	return nil
}
