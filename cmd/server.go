package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Rysertio/screenstreaming/config"
	"github.com/Rysertio/screenstreaming/internal/capture"
	"github.com/Rysertio/screenstreaming/internal/server"
	"github.com/Rysertio/screenstreaming/internal/session"
	"github.com/Rysertio/screenstreaming/internal/util"
)

func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the stream control server",
		Long:  `Run an HTTP server that starts and stops streams of attached Android devices and reports their status.`,
	}

	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStatusCmd())

	return cmd
}

func newServerStartCmd() *cobra.Command {
	var (
		port       int
		displayID  int
		newDisplay bool
	)

	cmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the server in the foreground",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerInForeground(port, captureOptions{
				Source:     sourceAndroid,
				DisplayID:  displayID,
				NewDisplay: newDisplay,
			})
		},
		Example: `  # Start the server
  screenstream server start

  # Start server on specific port
  screenstream server start -p 8080

  # Start a stream through it
  curl -X POST localhost:28181/api/sessions/emulator-5554/start -d '{"url":"rtmp://localhost/live/phone"}'`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.ServerPort(), "Server port")
	flags.IntVar(&displayID, "display", 0, "Android display id to mirror")
	flags.BoolVar(&newDisplay, "new-display", false, "Capture new virtual displays instead of mirroring")

	return cmd
}

func newServerStatusCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the control server is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			health, err := probeServer(port)
			switch {
			case errors.Is(err, errForeignService):
				fmt.Fprintf(out, "%s Port %d is served by another program\n", color.RedString("✗"), port)
			case err != nil:
				fmt.Fprintf(out, "%s No server on port %d\n", color.RedString("✗"), port)
			default:
				fmt.Fprintf(out, "%s Server up for %s, %d session(s)\n", color.GreenString("✓"), health.Uptime, health.Sessions)
				fmt.Fprintf(out, "  API: http://localhost:%d/api/sessions\n", port)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.ServerPort(), "Server port")

	return cmd
}

var (
	errNoServer       = errors.New("no server listening")
	errForeignService = errors.New("port is used by another service")
)

type serverHealth struct {
	Service  string `json:"service"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// probeServer asks /api/health on port and checks it is ours.
func probeServer(port int) (*serverHealth, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/health", port))
	if err != nil {
		return nil, errNoServer
	}
	defer resp.Body.Close()

	health := &serverHealth{}
	if err := json.NewDecoder(resp.Body).Decode(health); err != nil || health.Service != server.ServiceName {
		return nil, errForeignService
	}
	return health, nil
}

func runServerInForeground(port int, opts captureOptions) error {
	switch _, err := probeServer(port); {
	case err == nil:
		fmt.Printf("A server is already running on port %d\n", port)
		return nil
	case errors.Is(err, errForeignService):
		return errors.Wrapf(err, "port %d", port)
	}

	bridge, err := capture.NewADBBridge()
	if err != nil {
		return err
	}
	components, err := newComponents(opts, bridge)
	if err != nil {
		return err
	}
	build := func(device string, req session.Request) session.Components { return components }

	srv := server.NewServer(port, build, bridge)
	failed := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			failed <- err
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		select {
		case err := <-failed:
			return errors.Wrapf(err, "server on port %d failed to start", port)
		case <-time.After(200 * time.Millisecond):
		}
		if _, err := probeServer(port); err == nil {
			break
		}
		if time.Now().After(deadline) {
			srv.Stop()
			return errors.Errorf("server on port %d did not become healthy", port)
		}
	}

	fmt.Printf("%s %s %s\n", color.GreenString("Screen stream server"), color.CyanString("➜"), color.BlueString("http://localhost:%d", port))
	fmt.Println(color.CyanString("Press Ctrl+C to stop..."))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-failed:
		return errors.Wrap(err, "server failed")
	}

	util.GetLogger().Info("Shutting down server")
	if err := srv.Stop(); err != nil {
		util.GetLogger().Error("Error stopping server", "error", err)
	}
	return nil
}
