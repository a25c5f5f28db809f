package publish

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Client is the part of a paho client the Publisher needs.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config describes the broker connection.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
}

func generateClientID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "blefleet-" + hex.EncodeToString(b)
}

// ClientOptions projects cfg into paho options. Connection events are logged.
func ClientOptions(cfg Config, logger *logrus.Logger) *mqtt.ClientOptions {
	if logger == nil {
		logger = logrus.New()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetAutoReconnect(cfg.AutoReconnect)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	log := logger.WithFields(logrus.Fields{"broker": cfg.Broker, "client_id": clientID})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("Connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Debug("Reconnecting to MQTT broker")
	})
	return opts
}

// Connect dials the broker and waits for the connection to be acknowledged.
func Connect(cfg Config, logger *logrus.Logger) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is empty")
	}
	client := mqtt.NewClient(ClientOptions(cfg, logger))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}
