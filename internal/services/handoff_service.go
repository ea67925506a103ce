package services

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/pkg/console"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/rs/zerolog"
)

// ErrCompanionConfigMissing is returned when the companion env file is absent
// or lacks a required key.
var ErrCompanionConfigMissing = errors.New("companion configuration missing")

// HandoffService launches the downstream process (the voice server) once the
// tunnel is up, provided its env file is in place.
type HandoffService struct {
	EnvFile      string
	RequiredKeys []string
	Command      []string
	WorkDir      string
	FileClient   file.FileOperations
	Reporter     console.Reporter
	GracePeriod  time.Duration
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewHandoffService initializes a new HandoffService.
func NewHandoffService(envFile string, requiredKeys, command []string, workDir string,
	fileClient file.FileOperations, reporter console.Reporter, logger zerolog.Logger) *HandoffService {

	if envFile == "" {
		envFile = constants.DefaultEnvFile
	}
	return &HandoffService{
		EnvFile:      envFile,
		RequiredKeys: requiredKeys,
		Command:      command,
		WorkDir:      workDir,
		FileClient:   fileClient,
		Reporter:     reporter,
		GracePeriod:  constants.StopGracePeriod,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		Logger:       logger,
	}
}

// Preflight checks the companion configuration gate and returns the parsed
// env file.
func (h *HandoffService) Preflight() (map[string]string, error) {
	exists, err := h.FileClient.IsFileExists(h.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompanionConfigMissing, h.EnvFile, err)
	}
	if !exists {
		h.Logger.Error().Str("env_file", h.EnvFile).Msg("Companion env file not found")
		return nil, fmt.Errorf("%w: %s not found", ErrCompanionConfigMissing, h.EnvFile)
	}

	env, err := h.FileClient.ReadEnvFile(h.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrCompanionConfigMissing, h.EnvFile, err)
	}

	var missing []string
	for _, key := range h.RequiredKeys {
		if strings.TrimSpace(env[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		h.Logger.Error().Strs("missing_keys", missing).Str("env_file", h.EnvFile).Msg("Companion env file incomplete")
		return nil, fmt.Errorf("%w: %s lacks %s", ErrCompanionConfigMissing, h.EnvFile, strings.Join(missing, ", "))
	}
	return env, nil
}

// Start runs the preflight gate and launches the downstream command. Nothing
// is launched when the gate fails.
func (h *HandoffService) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil {
		h.Logger.Warn().Msg("HandoffService is already running")
		return errors.New("handoff service is already running")
	}
	if len(h.Command) == 0 {
		return errors.New("no companion command configured")
	}

	env, err := h.Preflight()
	if err != nil {
		return err
	}

	cmd := exec.Command(h.Command[0], h.Command[1:]...)
	cmd.Dir = h.WorkDir
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = h.Stdout
	cmd.Stderr = h.Stderr

	commandLine := strings.Join(h.Command, " ")
	h.Reporter.HandoffStarted(commandLine)
	if err := cmd.Start(); err != nil {
		h.Logger.Error().Err(err).Str("command", commandLine).Msg("Failed to start companion process")
		return fmt.Errorf("failed to start companion process: %w", err)
	}

	h.cmd = cmd
	h.err = nil
	h.done = make(chan struct{})
	go h.wait(cmd, h.done)

	h.Logger.Info().Int("pid", cmd.Process.Pid).Str("command", commandLine).Msg("HandoffService started successfully")
	return nil
}

// Done is closed when the downstream process exits. It is nil before Start.
func (h *HandoffService) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Err reports how the downstream process exited.
func (h *HandoffService) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stop terminates the downstream process, escalating to a kill after the
// grace period.
func (h *HandoffService) Stop() error {
	h.mu.Lock()
	cmd, done := h.cmd, h.done
	h.mu.Unlock()

	if cmd == nil {
		h.Logger.Warn().Msg("HandoffService is not running")
		return errors.New("handoff service is not running")
	}

	select {
	case <-done:
	default:
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.Logger.Debug().Err(err).Msg("Failed to signal companion process")
		}
		select {
		case <-done:
		case <-time.After(h.GracePeriod):
			h.Logger.Warn().Int("pid", cmd.Process.Pid).Msg("Companion did not stop gracefully, force killing")
			_ = cmd.Process.Kill()
			<-done
		}
	}

	h.mu.Lock()
	h.cmd = nil
	h.mu.Unlock()

	h.Logger.Info().Msg("HandoffService stopped successfully")
	return nil
}

func (h *HandoffService) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	h.mu.Lock()
	h.err = err
	h.mu.Unlock()

	if err != nil {
		h.Logger.Warn().Err(err).Msg("Companion process exited")
	} else {
		h.Logger.Info().Msg("Companion process exited")
	}
	close(done)
}

// mergeEnv overlays the env file on the inherited environment.
func mergeEnv(base []string, overlay map[string]string) []string {
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[name]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	for _, k := range keys {
		merged = append(merged, k+"="+overlay[k])
	}
	return merged
}
