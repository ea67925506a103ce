package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/benmeehan/tunnel-agent/internal/utils"
	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/rs/zerolog"
)

// agent bundles what every command needs.
type agent struct {
	config     *utils.Config
	fileClient file.FileOperations
	logger     zerolog.Logger
}

func loadAgent(opts *rootOptions, logOut io.Writer) (*agent, error) {
	fileClient := file.NewFileService()

	config, err := utils.LoadConfig(opts.configFile, fileClient)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		config.Logging.Level = opts.logLevel
	}

	logger, err := newLogger(logOut, config.Logging.Level, config.Logging.Console)
	if err != nil {
		return nil, err
	}
	if config.Agent.ID != "" {
		logger = logger.With().Str("agent_id", config.Agent.ID).Logger()
	}

	return &agent{config: config, fileClient: fileClient, logger: logger}, nil
}

// newLogger builds a JSON logger, or a human readable one when console is set.
func newLogger(out io.Writer, level string, console bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if out == nil {
		out = os.Stderr
	}
	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
