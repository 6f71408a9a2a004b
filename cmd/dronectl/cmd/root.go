package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dronemesh/pkg/nodectl"
)

var (
	nodeAddr string
	timeout  time.Duration

	// client is set during PersistentPreRun; tests may inject one.
	client *nodectl.Client
)

var rootCmd = &cobra.Command{
	Use:           "dronectl",
	Short:         "Operator CLI for the drone node cluster backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if client != nil {
			return
		}
		client = nodectl.New(nodectl.Config{
			Addr:    nodeAddr,
			Timeout: timeout,
		}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// SetClient lets tests inject a client wired to a stub backend.
func SetClient(c *nodectl.Client) {
	client = c
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nodeAddr, "addr", "127.0.0.1:7000", "node cluster backend host:port")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
}
