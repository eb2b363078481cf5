package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fleet-telemetry/internal/agent"
	"fleet-telemetry/internal/observability/logging"
	"fleet-telemetry/internal/protocol"
)

type config struct {
	ConsoleURL        string        `mapstructure:"console_url"`
	APIKey            string        `mapstructure:"api_key"`
	InstanceID        string        `mapstructure:"instance_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval"`
	Mountpoint        string        `mapstructure:"mountpoint"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleet-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := agent.NewCollector(cfg.Mountpoint)
	started := time.Now()
	client, err := agent.NewClient(agent.Config{
		ConsoleURL: cfg.ConsoleURL,
		APIKey:     cfg.APIKey,
		InstanceID: cfg.InstanceID,
	},
		agent.WithLogger(logger),
		agent.WithCommandHandler(commandHandler(collector, started)),
		agent.WithStateObserver(func(from, to agent.State) {
			logger.Info("fleet-agent: connection state", zap.Stringer("from", from), zap.Stringer("to", to))
		}))
	if err != nil {
		return err
	}

	logger.Info("fleet-agent: starting",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("console_url", cfg.ConsoleURL),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Duration("metrics_interval", cfg.MetricsInterval))

	go agent.NewHeartbeat(client, cfg.HeartbeatInterval, logger).Run(ctx)
	go agent.NewReporter(collector, client, cfg.MetricsInterval, logger).Run(ctx)
	client.Run(ctx)
	logger.Info("fleet-agent: stopped")
	return nil
}

func loadConfig(args []string) (config, error) {
	fs := pflag.NewFlagSet("fleet-agent", pflag.ContinueOnError)
	fs.String("console-url", "", "console base URL (FLEET_CONSOLE_URL)")
	fs.String("api-key", "", "pre-shared agent key (FLEET_API_KEY)")
	fs.String("instance-id", "", "instance id, defaults to the hostname (FLEET_INSTANCE_ID)")
	fs.Duration("heartbeat-interval", 30*time.Second, "heartbeat period (FLEET_HEARTBEAT_INTERVAL)")
	fs.Duration("metrics-interval", 60*time.Second, "metrics period (FLEET_METRICS_INTERVAL)")
	fs.String("mountpoint", "/", "filesystem reported as disk usage")
	fs.String("log-level", "info", "debug|info|warn|error")
	fs.String("log-format", "json", "json|console")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
		if err := v.BindEnv(key); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return config{}, bindErr
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return config{}, fmt.Errorf("instance id: %w", err)
		}
		cfg.InstanceID = host
	}
	if cfg.ConsoleURL == "" {
		return config{}, fmt.Errorf("FLEET_CONSOLE_URL is required")
	}
	if cfg.APIKey == "" {
		return config{}, fmt.Errorf("FLEET_API_KEY is required")
	}
	return cfg, nil
}

// commandHandler answers the built-in diagnostic commands.
func commandHandler(collector *agent.Collector, started time.Time) agent.CommandHandler {
	return func(ctx context.Context, cmd protocol.CommandDispatch) protocol.CommandResult {
		switch cmd.Command {
		case "ping":
			return protocol.CommandResult{Success: true, Output: "pong"}
		case "uptime":
			return protocol.CommandResult{Success: true, Output: time.Since(started).Round(time.Second).String()}
		case "collect":
			update, err := collector.Collect(ctx)
			if err != nil {
				return protocol.CommandResult{Error: err.Error()}
			}
			raw, err := json.Marshal(update)
			if err != nil {
				return protocol.CommandResult{Error: err.Error()}
			}
			return protocol.CommandResult{Success: true, Output: string(raw)}
		default:
			return protocol.CommandResult{Error: "unsupported command " + cmd.Command}
		}
	}
}
