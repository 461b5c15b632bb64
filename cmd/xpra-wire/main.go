package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"xpra-wire/internal/caps"
	"xpra-wire/internal/client"
	"xpra-wire/internal/codec"
	"xpra-wire/internal/config"
	"xpra-wire/internal/transport"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "xpra-wire",
	Short: "xpra wire protocol client",
	Long: `Client for the xpra wire protocol: framed binary transport with
negotiated compression, packet encoding, encryption and
challenge-response authentication over tcp, ssl, ws and wss sockets.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			cfg = config.Default()
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		return err
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [uri]",
	Short: "Connect to a server and hold the session open",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(cfg, client.Options{})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
		defer cancel()
		if err := c.Connect(ctx, args[0]); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigc
			c.Disconnect("closed by request")
		}()

		result := c.Wait()
		if result.Reason != "" {
			fmt.Fprintf(os.Stderr, "%s\n", result.Reason)
		}
		for _, x := range result.Extra {
			fmt.Fprintf(os.Stderr, " %s\n", x)
		}
		os.Exit(int(result.Code))
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [uri]",
	Short: "Verify that an endpoint answers the wire handshake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		c, err := client.New(cfg, client.Options{})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
		defer cancel()
		if err := c.Connect(ctx, args[0]); err != nil {
			return fmt.Errorf("probe failed: %w", err)
		}
		go func() {
			time.Sleep(2 * time.Second)
			c.Disconnect("closed by request")
		}()
		result := c.Wait()
		if result.Code != client.ExitOK {
			return fmt.Errorf("probe failed: %s (%s)", result.Reason, result.Code)
		}
		fmt.Printf("%s answered in %s\n", args[0], time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and codec information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xpra-wire %s\n", caps.VersionString(client.Version))
		fmt.Printf("compressors: %v\n", codec.AllCompressors())
		fmt.Printf("packet encoders: %v\n", codec.AllEncoders())
		fmt.Printf("socket types: tcp ssl ws wss unix (default port %d)\n", transport.DefaultPort)
	},
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "yaml config path")
	rootCmd.AddCommand(connectCmd, probeCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
