package main

import (
	"context"

	"github.com/sagernet/sing-vpn/log"
	"github.com/sagernet/sing-vpn/provision"
	"github.com/sagernet/sing/common"

	"github.com/spf13/cobra"
)

var commandProvisionFlagForce bool

var commandProvision = &cobra.Command{
	Use:   "provision",
	Short: "Copy rule files into the run directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		err := runProvision()
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	commandProvision.Flags().BoolVarP(&commandProvisionFlagForce, "force", "f", false, "overwrite existing rule files")
	mainCommand.AddCommand(commandProvision)
}

func runProvision() error {
	options, err := readConfigOrDefault()
	if err != nil {
		return err
	}
	applyPaths(options)
	logFactory, err := newLogFactory(options)
	if err != nil {
		return err
	}
	defer logFactory.Close()
	logger := logFactory.NewLogger("provision")
	provisioner := provision.NewFromOptions(logger, common.PtrValueOrDefault(options.Provision))
	if commandProvisionFlagForce {
		err = provisioner.Refresh(context.Background())
	} else {
		err = provisioner.Ensure(context.Background())
	}
	if err != nil {
		return err
	}
	logger.Info("rule files ready in ", provisioner.Directory())
	return nil
}
