package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/next-trace/scg-event-bus/config"
	"github.com/next-trace/scg-event-bus/logging"
	"github.com/next-trace/scg-event-bus/servicebus"
	"github.com/next-trace/scg-event-bus/tracing"
	"github.com/spf13/cobra"
)

// app is the state shared by every command once configuration is loaded.
type app struct {
	out        io.Writer
	configPath string
	env        string
	cfg        config.Config
	logger     *slog.Logger
	// busOpts are appended to the options derived from configuration.
	busOpts []servicebus.BusOption
}

func (a *app) load() error {
	cfg, err := config.Loader{Path: a.configPath, Env: a.env, DotEnv: []string{".env"}}.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	a.cfg, a.logger = cfg, logger

	return nil
}

func (a *app) bus(opts ...servicebus.BusOption) (*servicebus.Bus, error) {
	base := []servicebus.BusOption{servicebus.WithPropagator(tracing.W3C())}
	base = append(base, opts...)

	return servicebus.FromConfig(a.cfg, a.logger, append(base, a.busOpts...)...)
}

func newRootCmd(out io.Writer, opts ...servicebus.BusOption) *cobra.Command {
	a := &app{out: out, busOpts: opts}

	root := &cobra.Command{
		Use:   "eventbus",
		Short: "Publish and consume events on the service bus",
		Long: `eventbus talks to the configured NATS, RabbitMQ or Kafka bus.

Configuration is read from the YAML file given with --config, an optional overlay
selected with --env, a local .env file and EVENTBUS_* environment variables.

Available commands:
  publish     Publish auth service events
  subscribe   Consume a subject and route events by type
  version     Print the version`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}

			return a.load()
		},
	}

	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&a.env, "env", os.Getenv(config.EnvPrefix+"ENV"), "overlay name, e.g. production reads <config>.production.yaml")

	root.AddCommand(newPublishCmd(a), newSubscribeCmd(a), newVersionCmd(a))

	return root
}
