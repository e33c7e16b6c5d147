package option

import (
	"bytes"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

type _Options struct {
	Schema           string                `json:"$schema,omitempty"`
	Log              *LogOptions           `json:"log,omitempty"`
	WorkingDirectory string                `json:"working_directory,omitempty"`
	Provision        *ProvisionOptions     `json:"provision,omitempty"`
	Platform         *PlatformOptions      `json:"platform,omitempty"`
	CommandServer    *CommandServerOptions `json:"command_server,omitempty"`
	ControlAPI       *ControlAPIOptions    `json:"control_api,omitempty"`
}

type Options _Options

func (o *Options) UnmarshalJSON(content []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	err := decoder.Decode((*_Options)(o))
	if err != nil {
		return err
	}
	return checkOptions(o)
}

type LogOptions struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Level        string `json:"level,omitempty"`
	Output       string `json:"output,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	DisableColor bool   `json:"-"`
}

type CommandServerOptions struct {
	Disabled   bool   `json:"disabled,omitempty"`
	ListenPort uint16 `json:"listen_port,omitempty"`
}

type ControlAPIOptions struct {
	Listen string `json:"listen,omitempty"`
	Secret string `json:"secret,omitempty"`
}

func checkOptions(options *Options) error {
	if options.Provision != nil {
		err := checkProvisionOptions(options.Provision)
		if err != nil {
			return E.Cause(err, "provision")
		}
	}
	if options.ControlAPI != nil && options.ControlAPI.Listen == "" {
		return E.New("control_api: missing listen address")
	}
	return nil
}
