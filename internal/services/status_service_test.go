package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/mocks"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/internal/services"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticStatus struct {
	status models.TunnelStatus
}

func (s staticStatus) Status(context.Context) models.TunnelStatus {
	return s.status
}

func TestStatusService_StartStop(t *testing.T) {
	mqttClient := new(mocks.MockMQTTClient)
	s := services.NewStatusService("agents/status", time.Hour, 1, staticStatus{}, mqttClient, zerolog.Nop())

	require.NoError(t, s.Start())

	err := s.Start()
	assert.EqualError(t, err, "status service is already running")

	require.NoError(t, s.Stop())

	err = s.Stop()
	assert.EqualError(t, err, "status service is not running")
}

func TestStatusService_PublishesSnapshot(t *testing.T) {
	status := models.TunnelStatus{
		AgentID:       "agent-1",
		Host:          "10.10.70.218",
		State:         models.TunnelUp,
		WatchdogState: models.WatchdogMonitoring,
		Repairs:       2,
		Timestamp:     time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}

	published := make(chan []byte, 10)
	mqttClient := new(mocks.MockMQTTClient)
	mqttClient.On("IsConnected").Return(true)
	mqttClient.On("Publish", "agents/status", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case published <- args.Get(3).([]byte):
			default:
			}
		}).
		Return(&mocks.Token{})

	s := services.NewStatusService("agents/status", 10*time.Millisecond, 1, staticStatus{status}, mqttClient, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	var payload []byte
	select {
	case payload = <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("no status published")
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "agent-1", decoded["agent_id"])
	assert.Equal(t, "up", decoded["state"])
	assert.Equal(t, "monitoring", decoded["watchdog_state"])
	assert.Equal(t, float64(2), decoded["repairs"])
}

func TestStatusService_PublishFailureIsNotFatal(t *testing.T) {
	calls := make(chan struct{}, 10)
	mqttClient := new(mocks.MockMQTTClient)
	mqttClient.On("IsConnected").Return(true)
	mqttClient.On("Publish", "agents/status", byte(0), false, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case calls <- struct{}{}:
			default:
			}
		}).
		Return(&mocks.Token{Err: errors.New("not connected")})

	s := services.NewStatusService("agents/status", 10*time.Millisecond, 0, staticStatus{}, mqttClient, zerolog.Nop())
	require.NoError(t, s.Start())

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("publishing stopped after a failure")
		}
	}
	require.NoError(t, s.Stop())
}

func TestStatusService_SkipsWhileDisconnected(t *testing.T) {
	checks := make(chan struct{}, 10)
	mqttClient := new(mocks.MockMQTTClient)
	mqttClient.On("IsConnected").
		Run(func(mock.Arguments) {
			select {
			case checks <- struct{}{}:
			default:
			}
		}).
		Return(false)

	s := services.NewStatusService("agents/status", 10*time.Millisecond, 0, staticStatus{}, mqttClient, zerolog.Nop())
	require.NoError(t, s.Start())

	for i := 0; i < 2; i++ {
		select {
		case <-checks:
		case <-time.After(2 * time.Second):
			t.Fatal("status loop stopped while disconnected")
		}
	}
	require.NoError(t, s.Stop())

	mqttClient.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
