package main

import (
	"io"
	"os"
	"runtime"

	C "github.com/sagernet/sing-vpn/constant"
	"github.com/sagernet/sing/common/json"

	"github.com/spf13/cobra"
)

var commandVersion = &cobra.Command{
	Use:   "version",
	Short: "Print the service version and build target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeVersion(os.Stdout, currentVersion())
	},
}

var (
	versionNameOnly bool
	versionJSON     bool
)

func init() {
	commandVersion.Flags().BoolVarP(&versionNameOnly, "name", "n", false, "print version name only")
	commandVersion.Flags().BoolVar(&versionJSON, "json", false, "print build information as json")
	mainCommand.AddCommand(commandVersion)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentVersion() versionInfo {
	return versionInfo{
		Version:   C.Version,
		Commit:    C.Commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (v versionInfo) name() string {
	if v.Commit == "" {
		return v.Version
	}
	return v.Version + "." + v.Commit
}

func writeVersion(writer io.Writer, info versionInfo) error {
	if versionJSON {
		encoder := json.NewEncoder(writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}
	if versionNameOnly {
		_, err := io.WriteString(writer, info.name()+"\n")
		return err
	}
	_, err := io.WriteString(writer, "sing-vpn "+info.name()+" ("+info.GoVersion+", "+info.Platform+")\n")
	return err
}
