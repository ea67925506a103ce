package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/models"
	"github.com/benmeehan/tunnel-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// StatusProvider produces the tunnel health snapshot to publish.
type StatusProvider interface {
	Status(ctx context.Context) models.TunnelStatus
}

// StatusService periodically publishes the tunnel status over MQTT.
type StatusService struct {
	PubTopic   string
	Interval   time.Duration
	QOS        int
	Provider   StatusProvider
	MqttClient mqtt.MQTTClient
	Logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusService initializes a new StatusService.
func NewStatusService(pubTopic string, interval time.Duration, qos int, provider StatusProvider,
	mqttClient mqtt.MQTTClient, logger zerolog.Logger) *StatusService {

	if interval == 0 {
		interval = constants.StatusInterval
	}
	return &StatusService{
		PubTopic:   pubTopic,
		Interval:   interval,
		QOS:        qos,
		Provider:   provider,
		MqttClient: mqttClient,
		Logger:     logger,
	}
}

// Start launches the status loop in a separate goroutine.
func (s *StatusService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatusLoop(s.ctx)
	}()

	s.Logger.Info().Str("topic", s.PubTopic).Msg("StatusService started successfully")
	return nil
}

// Stop gracefully stops the status service.
func (s *StatusService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatusService stopped successfully")
	return nil
}

func (s *StatusService) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.publish(ctx)
		case <-ctx.Done():
			s.Logger.Info().Msg("StatusService stopping gracefully")
			return
		}
	}
}

// publish sends one snapshot while the broker connection is up. Failures are
// logged and otherwise ignored.
func (s *StatusService) publish(ctx context.Context) {
	if !s.MqttClient.IsConnected() {
		s.Logger.Warn().Msg("MQTT client not connected, skipping status message")
		return
	}

	status := s.Provider.Status(ctx)

	payload, err := json.Marshal(status)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to serialize status message")
		return
	}

	token := s.MqttClient.Publish(s.PubTopic, byte(s.QOS), false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to publish status message")
	} else {
		s.Logger.Debug().Str("state", status.State.String()).Msg("Status published successfully")
	}
}
