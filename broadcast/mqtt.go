package broadcast

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tidwall/gjson"
)

const mqttConnectTimeout = 5 * time.Second

// MQTTConn republishes every payload on <prefix>/<type>. It is registered with the hub
// like any other observer.
type MQTTConn struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// DialMQTT connects to broker (host:port) and returns a connection that keeps
// reconnecting in the background.
func DialMQTT(broker, clientID, prefix string, qos byte) (*MQTTConn, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info().Str("broker", broker).Str("client_id", clientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return newMQTTConn(client, prefix, qos), nil
}

func newMQTTConn(client mqtt.Client, prefix string, qos byte) *MQTTConn {
	return &MQTTConn{client: client, prefix: prefix, qos: qos}
}

func (c *MQTTConn) ID() string { return "mqtt-" + c.prefix }

// Topic is where a serialised payload is published.
func (c *MQTTConn) Topic(data []byte) string {
	typ := gjson.GetBytes(data, "type").Str
	if typ == "" {
		typ = "unknown"
	}
	return c.prefix + "/" + typ
}

// Send publishes data. While the client is reconnecting payloads are skipped rather than
// failed, so a broker outage does not unregister the bridge.
func (c *MQTTConn) Send(ctx context.Context, data []byte) error {
	if !c.client.IsConnectionOpen() {
		logger.Debug().Str("topic", c.Topic(data)).Msg("mqtt reconnecting, skipping payload")
		return nil
	}
	token := c.client.Publish(c.Topic(data), c.qos, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

func (c *MQTTConn) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}
