package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thobiasn/magpie/internal/agent"
	"github.com/thobiasn/magpie/internal/mqtt"
)

var (
	configPath string
	brokerHost string
	brokerPort int
)

var rootCmd = &cobra.Command{
	Use:           "magpie",
	Short:         "MQTT message history logger",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if configPath == "" {
			return errors.New("Please specify config file with -c option")
		}
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.Flags().StringVarP(&brokerHost, "host", "H", "localhost", "MQTT broker host")
	rootCmd.Flags().IntVarP(&brokerPort, "port", "p", 1883, "MQTT broker port")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	client, err := mqtt.Dial(ctx, mqtt.Config{
		Host:      brokerHost,
		Port:      brokerPort,
		ClientID:  fmt.Sprintf("magpie-%d", os.Getpid()),
		Service:   "db_logger",
		OnMessage: a.Enqueue,
	})
	if err != nil {
		return err
	}
	defer client.Disconnect()

	return a.Run(ctx, client)
}
