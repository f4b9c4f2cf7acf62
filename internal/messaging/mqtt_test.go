package messaging

import (
	"regexp"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewMQTTTransportDefaults(t *testing.T) {
	tr := NewMQTTTransport(MQTTConfig{QoS: 7}, zap.NewNop())

	assert.Regexp(t, regexp.MustCompile(`^stationlink-[0-9a-f]{12}$`), tr.ClientID())
	assert.Equal(t, 30*time.Second, tr.cfg.KeepAlive)
	assert.Equal(t, byte(1), tr.cfg.QoS)
	assert.Equal(t, time.Hour, tr.cfg.JWTTTL)

	other := NewMQTTTransport(MQTTConfig{ClientIDPrefix: "stationlink-1.2.0"}, zap.NewNop())
	assert.Regexp(t, regexp.MustCompile(`^stationlink-1\.2\.0-[0-9a-f]{12}$`), other.ClientID())
	assert.NotEqual(t, tr.ClientID(), other.ClientID())
}

func TestTopicPrefixMapping(t *testing.T) {
	tr := NewMQTTTransport(MQTTConfig{TopicPrefix: "station/7/"}, zap.NewNop())
	assert.Equal(t, "station/7/queue_update", tr.wireTopic("queue_update"))
	assert.Equal(t, "queue_update", tr.logicalTopic("station/7/queue_update"))
	assert.Equal(t, "other/queue_update", tr.logicalTopic("other/queue_update"))

	bare := NewMQTTTransport(MQTTConfig{}, zap.NewNop())
	assert.Equal(t, "queue_update", bare.wireTopic("queue_update"))
}

func TestApplyCredentials(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("password", func(t *testing.T) {
		tr := NewMQTTTransport(MQTTConfig{Username: "kiosk", Password: "s3cret"}, zap.NewNop())
		opts := mqtt.NewClientOptions()
		require.NoError(t, tr.applyCredentials(opts, now))
		assert.Equal(t, "kiosk", opts.Username)
		assert.Equal(t, "s3cret", opts.Password)
	})

	t.Run("anonymous", func(t *testing.T) {
		tr := NewMQTTTransport(MQTTConfig{Password: "ignored"}, zap.NewNop())
		opts := mqtt.NewClientOptions()
		require.NoError(t, tr.applyCredentials(opts, now))
		assert.Empty(t, opts.Username)
		assert.Empty(t, opts.Password)
	})

	t.Run("jwt", func(t *testing.T) {
		secret := "shared-secret"
		tr := NewMQTTTransport(MQTTConfig{JWTSecret: secret, JWTTTL: 10 * time.Minute}, zap.NewNop())
		opts := mqtt.NewClientOptions()
		require.NoError(t, tr.applyCredentials(opts, now))
		assert.Equal(t, tr.ClientID(), opts.Username)

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(opts.Password, claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithTimeFunc(func() time.Time { return now.Add(time.Minute) }),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		require.NoError(t, err)
		assert.Equal(t, tr.ClientID(), claims.Subject)
		assert.Equal(t, now.Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())
	})
}
