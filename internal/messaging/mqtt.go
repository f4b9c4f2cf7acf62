package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/pkg/models"
)

// MQTTConfig configures the paho-backed transport.
type MQTTConfig struct {
	ClientIDPrefix string        `mapstructure:"client_id_prefix"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	KeepAlive      time.Duration `mapstructure:"keepalive"`
	QoS            byte          `mapstructure:"qos"`
	// TopicPrefix is prepended to every logical topic on the wire.
	TopicPrefix string `mapstructure:"topic_prefix"`
	// WebSocketPath is used for ws/wss endpoints that carry no path.
	WebSocketPath string `mapstructure:"websocket_path"`
	// JWTSecret, when set, replaces Password with an HS256 token issued to
	// the client ID and valid for JWTTTL. A fresh token is minted per dial.
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTTTL    time.Duration `mapstructure:"jwt_ttl"`
}

// subackFailure is the SUBACK return code for a rejected subscription.
const subackFailure = 0x80

// MQTTTransport dials MQTT brokers with paho. Paho's own reconnect logic is
// disabled; the Client state machine decides when to reconnect.
type MQTTTransport struct {
	cfg      MQTTConfig
	clientID string
	logger   *zap.Logger
}

// NewMQTTTransport creates a transport with a unique client ID so several
// station screens can share one broker.
func NewMQTTTransport(cfg MQTTConfig, logger *zap.Logger) *MQTTTransport {
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "stationlink"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.JWTTTL <= 0 {
		cfg.JWTTTL = time.Hour
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return &MQTTTransport{
		cfg:      cfg,
		clientID: cfg.ClientIDPrefix + "-" + id,
		logger:   logger,
	}
}

// ClientID returns the MQTT client identifier used for every session.
func (t *MQTTTransport) ClientID() string {
	return t.clientID
}

// Dial implements Transport.
func (t *MQTTTransport) Dial(ctx context.Context, ep models.Endpoint, h Handlers) (Session, error) {
	if ep.IsWebSocket() && ep.Path == "" {
		ep.Path = t.cfg.WebSocketPath
	}

	opts := mqtt.NewClientOptions().
		AddBroker(ep.URL()).
		SetClientID(t.clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetKeepAlive(t.cfg.KeepAlive).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			if h.OnMessage != nil {
				h.OnMessage(t.logicalTopic(m.Topic()), m.Payload())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if h.OnLost != nil {
				h.OnLost(err)
			}
		})
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	if err := t.applyCredentials(opts, time.Now()); err != nil {
		return nil, err
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: %w", ep, err)
	}
	t.logger.Debug("mqtt session open",
		zap.String("broker", ep.URL()),
		zap.String("client_id", t.clientID),
	)
	return &mqttSession{client: client, transport: t}, nil
}

func (t *MQTTTransport) applyCredentials(opts *mqtt.ClientOptions, now time.Time) error {
	if t.cfg.JWTSecret == "" {
		if t.cfg.Username != "" {
			opts.SetUsername(t.cfg.Username)
			opts.SetPassword(t.cfg.Password)
		}
		return nil
	}
	token, err := t.signToken(now)
	if err != nil {
		return fmt.Errorf("sign broker token: %w", err)
	}
	username := t.cfg.Username
	if username == "" {
		username = t.clientID
	}
	opts.SetUsername(username)
	opts.SetPassword(token)
	return nil
}

func (t *MQTTTransport) signToken(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   t.clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.JWTTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.cfg.JWTSecret))
}

func (t *MQTTTransport) wireTopic(topic string) string {
	return t.cfg.TopicPrefix + topic
}

func (t *MQTTTransport) logicalTopic(topic string) string {
	return strings.TrimPrefix(topic, t.cfg.TopicPrefix)
}

// waitToken waits for a paho token or ctx, whichever finishes first.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttSession struct {
	client    mqtt.Client
	transport *MQTTTransport
}

// Subscribe implements Session. Messages are routed through the default
// publish handler so that they share one ordered delivery path.
func (s *mqttSession) Subscribe(ctx context.Context, topic string) error {
	wire := s.transport.wireTopic(topic)
	tok := s.client.Subscribe(wire, s.transport.cfg.QoS, nil)
	if err := waitToken(ctx, tok); err != nil {
		return err
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[wire]; found && code == subackFailure {
			return errors.New("rejected by broker")
		}
	}
	return nil
}

// Publish implements Session.
func (s *mqttSession) Publish(topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := s.client.Publish(s.transport.wireTopic(topic), s.transport.cfg.QoS, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	default:
		return nil
	}
}

// Close implements Session.
func (s *mqttSession) Close() {
	s.client.Disconnect(250)
}
