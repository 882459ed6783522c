package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"wlmd/internal/state"
)

// MQTTEmitter publishes JSON snapshots to a broker topic. It is an optional
// sink for installations that feed a dashboard; the daemon runs fine
// without it.
type MQTTEmitter struct {
	client mqtt.Client
	topic  string
}

// NewMQTTEmitter connects to the broker with auto-reconnect enabled.
func NewMQTTEmitter(broker, clientID, topic string) (*MQTTEmitter, error) {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Printf("telemetry: mqtt connected (%s)", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("telemetry: mqtt connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout (%s)", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTEmitter{client: client, topic: topic}, nil
}

// Sink adapts the emitter to the publisher's snapshot hook. Publish failures
// are logged and dropped, matching the fire-and-forget telemetry contract.
func (e *MQTTEmitter) Sink(snap state.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("telemetry: marshal snapshot: %v", err)
		return
	}
	token := e.client.Publish(e.topic, 0, false, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		log.Printf("telemetry: mqtt publish: %v", token.Error())
	}
}

// Close disconnects from the broker.
func (e *MQTTEmitter) Close() {
	e.client.Disconnect(250)
}
