package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/internal/registry"
	"github.com/benmeehan/tunnel-agent/internal/services"
	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/console"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/benmeehan/tunnel-agent/pkg/mqtt"
	"github.com/benmeehan/tunnel-agent/pkg/probe"
	"github.com/benmeehan/tunnel-agent/pkg/sshtunnel"
	"github.com/rs/zerolog"
)

// Service names, in start order.
const (
	TunnelServiceName  = "tunnel"
	StatusServiceName  = "status"
	HandoffServiceName = "handoff"
)

// ServiceRegistry manages the lifecycle of the agent's services.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	started     []string
	fileClient  file.FileOperations
	mqttClient  mqtt.MQTTClient
	reporter    console.Reporter
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(fileClient file.FileOperations, reporter console.Reporter, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		fileClient: fileClient,
		reporter:   reporter,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Service returns a registered service by name.
func (sr *ServiceRegistry) Service(name string) (registry.Service, bool) {
	svc, ok := sr.services[name]
	return svc, ok
}

// StartServices starts all registered services in order.
// If a service fails to start, the already started ones are stopped.
func (sr *ServiceRegistry) StartServices() error {
	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			_ = sr.StopServices()
			return fmt.Errorf("failed to start %s service: %w", name, err)
		}
		sr.started = append(sr.started, name)
	}
	return nil
}

// StopServices stops the started services in reverse order and disconnects
// from the MQTT broker.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.started) - 1; i >= 0; i-- {
		name := sr.started[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	sr.started = nil

	if sr.mqttClient != nil {
		sr.mqttClient.Disconnect(250)
		sr.mqttClient = nil
	}

	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds and registers the enabled services. The companion
// hand-off is only registered when withHandoff is set.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, withHandoff bool) error {
	tunnel, err := sr.NewTunnelService(config)
	if err != nil {
		return err
	}

	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    TunnelServiceName,
			enabled: true,
			constructor: func() (registry.Service, error) {
				return tunnel, nil
			},
		},
		{
			name:    StatusServiceName,
			enabled: config.Status.Enabled,
			constructor: func() (registry.Service, error) {
				client, err := sr.connectMQTT(config)
				if err != nil {
					return nil, err
				}
				return services.NewStatusService(
					config.Status.Topic,
					config.Status.Interval,
					config.Status.QOS,
					tunnel,
					client,
					sr.Logger,
				), nil
			},
		},
		{
			name:    HandoffServiceName,
			enabled: withHandoff && config.Handoff.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewHandoffService(
					config.Handoff.EnvFile,
					config.Handoff.RequiredKeys,
					config.Handoff.Command,
					config.Handoff.WorkDir,
					sr.fileClient,
					sr.reporter,
					sr.Logger,
				), nil
			},
		},
	}

	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if !svc.enabled {
			continue
		}
		serviceInstance, err := svc.constructor()
		if err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
			return err
		}
		sr.RegisterService(svc.name, serviceInstance)
		registeredServices = append(registeredServices, svc.name)
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}

// NewTunnelService builds the tunnel supervisor with the launcher selected by
// tunnel.mode.
func (sr *ServiceRegistry) NewTunnelService(config *utils.Config) (*services.TunnelService, error) {
	launcher, err := sr.newLauncher(config)
	if err != nil {
		return nil, err
	}

	var releaser probe.PortReleaser
	if config.Watchdog.FreePorts == nil || *config.Watchdog.FreePorts {
		releaser = probe.NewProcessPortReleaser(sr.Logger)
	}

	return services.NewTunnelService(
		config.Agent.ID,
		config.TunnelSpec(),
		probe.NewDefaultProber(constants.ProbeTimeout),
		launcher,
		releaser,
		sr.reporter,
		config.Tunnel.SettleDelay,
		config.Tunnel.VerifyDelay,
		config.Watchdog.PollInterval,
		config.Watchdog.MaxBackoff,
		sr.Logger,
	), nil
}

func (sr *ServiceRegistry) newLauncher(config *utils.Config) (sshtunnel.Launcher, error) {
	switch config.Tunnel.Mode {
	case constants.ModeExec:
		return sshtunnel.NewExecLauncher(
			config.Tunnel.SSHBinary,
			config.Tunnel.PrivateKeyPath,
			config.Tunnel.KnownHostsPath,
			sr.Logger,
		), nil
	case constants.ModeNative, "":
		signer, err := sshtunnel.LoadSigner(sr.fileClient, config.Tunnel.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		hostKeyCallback, err := sshtunnel.HostKeyCallback(sr.fileClient, config.Tunnel.ServerPublicKeyPath,
			config.Tunnel.KnownHostsPath, sr.Logger)
		if err != nil {
			return nil, err
		}
		return sshtunnel.NewNativeLauncher(signer, hostKeyCallback, sr.Logger), nil
	default:
		return nil, fmt.Errorf("unknown tunnel mode %q", config.Tunnel.Mode)
	}
}

func (sr *ServiceRegistry) connectMQTT(config *utils.Config) (mqtt.MQTTClient, error) {
	if sr.mqttClient != nil {
		return sr.mqttClient, nil
	}

	client := mqtt.NewMqttService(sr.fileClient)
	if err := client.Initialize(config.Status.Broker, config.Status.ClientID, config.Status.CACertificate); err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	sr.mqttClient = client
	return client, nil
}

// SetMQTTClient injects an already connected client for the status service.
func (sr *ServiceRegistry) SetMQTTClient(client mqtt.MQTTClient) {
	sr.mqttClient = client
}
