package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sagernet/sing-vpn/command"
	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/engine/probe"
	"github.com/sagernet/sing-vpn/experimental/controlapi"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/platform"
	"github.com/sagernet/sing-vpn/platform/linux"
	"github.com/sagernet/sing-vpn/provision"
	"github.com/sagernet/sing-vpn/session"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var commandRun = &cobra.Command{
	Use:   "run",
	Short: "Run bridge service",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		err := run()
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	mainCommand.AddCommand(commandRun)
}

type bridge struct {
	logFactory    log.ObservableFactory
	host          *linux.Host
	service       *session.Service
	watcher       *provision.Watcher
	commandServer *command.Server
	controlServer *controlapi.Server
}

func create(ctx context.Context) (*bridge, error) {
	options, err := readConfigAt(configPath)
	if err != nil {
		return nil, err
	}
	applyPaths(options)
	logFactory, err := newLogFactory(options)
	if err != nil {
		return nil, E.Cause(err, "create logger")
	}
	instance := &bridge{logFactory: logFactory}
	if lastError, _ := provision.ReadServiceError(); lastError != "" {
		logFactory.Logger().Warn("previous session failed: ", lastError)
	}
	provisionOptions := common.PtrValueOrDefault(options.Provision)
	platformOptions := common.PtrValueOrDefault(options.Platform)

	provisioner := provision.NewFromOptions(logFactory.NewLogger("provision"), provisionOptions)
	if provisionOptions.Watch {
		instance.watcher, err = provision.NewWatcher(ctx, logFactory.NewLogger("provision"), provisioner, provisionOptions.AssetDirectory)
		if err != nil {
			return nil, err
		}
	}
	host, err := linux.NewHost(linux.HostOptions{
		Context: ctx,
		Logger:  logFactory.NewLogger("platform"),
	})
	if err != nil {
		return nil, E.Cause(err, "create platform host")
	}
	instance.host = host
	permission := linux.NewPermissionProvider(host)
	var notification *platform.Notification
	if platformOptions.Notification != nil {
		notification = &platform.Notification{
			Identifier: "service",
			TypeName:   "Service",
			Title:      platformOptions.Notification.Title,
			Body:       platformOptions.Notification.Body,
		}
	}
	cacheFile := provisionOptions.CacheFile
	if cacheFile == "" {
		cacheFile = C.CacheFileName
	}
	cacheFile = C.BasePath(cacheFile)
	instance.service = session.NewService(session.ServiceOptions{
		Context:            ctx,
		LogFactory:         logFactory,
		Host:               host,
		Permission:         permission,
		Provisioner:        provisioner,
		EngineConstructor:  probe.New,
		Notifier:           host,
		Notification:       notification,
		CacheFile:          cacheFile,
		SessionName:        platformOptions.SessionName,
		ProtectTimeout:     time.Duration(platformOptions.ProtectTimeout),
		RecordServiceError: true,
	})
	permission.SetResultHandler(instance.service.OnPermissionResult)

	dispatcher := command.NewDispatcher(command.DispatcherOptions{
		Logger:     logFactory.NewLogger("command"),
		Controller: instance.service,
		Refresher:  provisioner,
	})
	commandOptions := common.PtrValueOrDefault(options.CommandServer)
	if !commandOptions.Disabled {
		instance.commandServer = command.NewServer(command.ServerOptions{
			Context:    ctx,
			Logger:     logFactory.NewLogger("command"),
			Dispatcher: dispatcher,
			Status:     instance.service,
			LogFactory: logFactory,
			ListenPort: commandOptions.ListenPort,
		})
	}
	if options.ControlAPI != nil {
		instance.controlServer = controlapi.NewServer(controlapi.Options{
			Context:    ctx,
			Logger:     logFactory.NewLogger("control-api"),
			LogFactory: logFactory,
			Dispatcher: dispatcher,
			Status:     instance.service,
			Options:    *options.ControlAPI,
		})
	}
	return instance, nil
}

func (b *bridge) Start() error {
	if b.watcher != nil {
		err := b.watcher.Start()
		if err != nil {
			return E.Cause(err, "start asset watcher")
		}
	}
	if b.commandServer != nil {
		err := b.commandServer.Start()
		if err != nil {
			return err
		}
	}
	if b.controlServer != nil {
		err := b.controlServer.Start()
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *bridge) Close() error {
	var closeErrors []error
	if b.controlServer != nil {
		closeErrors = append(closeErrors, b.controlServer.Close())
	}
	if b.commandServer != nil {
		closeErrors = append(closeErrors, b.commandServer.Close())
	}
	closeErrors = append(closeErrors, b.service.Close())
	closeErrors = append(closeErrors, b.host.Close())
	if b.watcher != nil {
		closeErrors = append(closeErrors, b.watcher.Close())
	}
	closeErrors = append(closeErrors, b.logFactory.Close())
	return E.Errors(closeErrors...)
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance, err := create(ctx)
	if err != nil {
		return err
	}
	err = instance.Start()
	if err != nil {
		instance.Close()
		return E.Cause(err, "start service")
	}
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(osSignals)
	<-osSignals
	cancel()
	closeCtx, closed := context.WithCancel(context.Background())
	go closeMonitor(closeCtx)
	err = instance.Close()
	closed()
	return err
}

func closeMonitor(ctx context.Context) {
	time.Sleep(C.StopTimeout)
	select {
	case <-ctx.Done():
		return
	default:
	}
	log.Fatal("sing-vpn did not close!")
}
