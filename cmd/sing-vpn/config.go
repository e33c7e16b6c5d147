package main

import (
	"io"
	"os"
	"time"

	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
)

func readConfigAt(path string) (option.Options, error) {
	var (
		configContent []byte
		err           error
	)
	if path == "stdin" {
		configContent, err = io.ReadAll(os.Stdin)
	} else {
		if foundPath, loaded := C.FindPath(path); loaded {
			path = foundPath
		}
		configContent, err = os.ReadFile(path)
	}
	if err != nil {
		return option.Options{}, E.Cause(err, "read config at ", path)
	}
	var options option.Options
	err = options.UnmarshalJSON(configContent)
	if err != nil {
		return option.Options{}, E.Cause(err, "decode config at ", path)
	}
	return options, nil
}

// readConfigOrDefault tolerates a missing default config so that tooling
// subcommands work without one.
func readConfigOrDefault() (option.Options, error) {
	if _, loaded := C.FindPath(configPath); !loaded && !mainCommand.PersistentFlags().Changed("config") {
		return option.Options{}, nil
	}
	return readConfigAt(configPath)
}

func applyPaths(options option.Options) {
	if options.WorkingDirectory != "" {
		C.SetBasePath(options.WorkingDirectory)
	}
}

func newLogFactory(options option.Options) (log.ObservableFactory, error) {
	logOptions := common.PtrValueOrDefault(options.Log)
	if disableColor {
		logOptions.DisableColor = true
	}
	return log.New(log.Options{
		Options:       logOptions,
		Observable:    true,
		DefaultWriter: os.Stderr,
		BaseTime:      time.Now(),
	})
}

func commandClientOptions(options option.Options) (socketPath string, listenPort uint16) {
	commandOptions := common.PtrValueOrDefault(options.CommandServer)
	if commandOptions.ListenPort > 0 {
		return "", commandOptions.ListenPort
	}
	return C.BasePath(C.CommandSocketName), 0
}
