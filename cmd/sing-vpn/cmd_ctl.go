package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sagernet/sing-vpn/command"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/session"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var commandCtl = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running bridge service",
}

var commandCtlStartFlagEngineConfig string

var commandCtlStart = &cobra.Command{
	Use:   "start",
	Short: "Start the tunnel with an engine config",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		content, err := os.ReadFile(commandCtlStartFlagEngineConfig)
		if err != nil {
			log.Fatal(E.Cause(err, "read engine config"))
		}
		callAndPrint(command.MethodStartVPN, map[string]any{"config": string(content)})
	},
}

var commandCtlStop = &cobra.Command{
	Use:   "stop",
	Short: "Stop the tunnel",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		callAndPrint(command.MethodStopVPN, nil)
	},
}

var commandCtlRunning = &cobra.Command{
	Use:   "running",
	Short: "Check whether the tunnel is running",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		callAndPrint(command.MethodIsRunning, nil)
	},
}

var commandCtlPermissionFlagRequest bool

var commandCtlPermission = &cobra.Command{
	Use:   "permission",
	Short: "Check or request the VPN permission",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if commandCtlPermissionFlagRequest {
			callAndPrint(command.MethodRequestPermission, nil)
		} else {
			callAndPrint(command.MethodCheckPermission, nil)
		}
	},
}

var commandCtlRefresh = &cobra.Command{
	Use:   "refresh-rules",
	Short: "Copy rule files again",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		callAndPrint(command.MethodRefreshRules, nil)
	},
}

var commandCtlStatus = &cobra.Command{
	Use:   "status",
	Short: "Follow service status",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		err := followStatus()
		if err != nil {
			log.Fatal(err)
		}
	},
}

var commandCtlLog = &cobra.Command{
	Use:   "log",
	Short: "Follow service log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		err := followLog()
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	commandCtlStart.Flags().StringVarP(&commandCtlStartFlagEngineConfig, "engine-config", "e", "engine.json", "engine configuration file path")
	commandCtlPermission.Flags().BoolVarP(&commandCtlPermissionFlagRequest, "request", "r", false, "request the permission if missing")
	commandCtl.AddCommand(commandCtlStart, commandCtlStop, commandCtlRunning, commandCtlPermission, commandCtlRefresh, commandCtlStatus, commandCtlLog)
	mainCommand.AddCommand(commandCtl)
}

func newCommandClient() *command.Client {
	options, err := readConfigOrDefault()
	if err != nil {
		log.Fatal(err)
	}
	applyPaths(options)
	socketPath, listenPort := commandClientOptions(options)
	return command.NewClient(command.ClientOptions{
		SocketPath: socketPath,
		ListenPort: listenPort,
	})
}

func callAndPrint(method string, args map[string]any) {
	result, err := newCommandClient().Call(context.Background(), method, args)
	if err != nil {
		log.Fatal(err)
	}
	os.Stdout.WriteString(result.String() + "\n")
	if result.Kind != command.ResultSuccess {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-osSignals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(osSignals)
	}()
	return ctx, cancel
}

func followLog() error {
	client := newCommandClient()
	ctx, cancel := signalContext()
	defer cancel()
	return client.SubscribeLog(ctx, func(entry log.Entry) {
		os.Stdout.WriteString(strings.ToUpper(log.FormatLevel(entry.Level)) + " " + entry.Message + "\n")
	})
}

func followStatus() error {
	client := newCommandClient()
	ctx, cancel := signalContext()
	defer cancel()
	return client.SubscribeStatus(ctx, func(status session.ServiceStatus) {
		line := status.State.String()
		if status.ErrorMessage != "" {
			line += ": " + status.ErrorMessage
		}
		os.Stdout.WriteString(line + "\n")
	})
}
