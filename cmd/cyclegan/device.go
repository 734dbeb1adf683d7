package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-cyclegan/device"
)

func newDeviceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Show the host CPU and the device training would use",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(a, cmd, map[string]string{"device": "device"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			info := device.Detect()
			out := cmd.OutOrStdout()
			fmt.Fprint(out, info)

			dev, err := device.Select(cfg.Device, info)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Selected: %s (configured %q)\n", dev, cfg.Device)
			return nil
		},
	}
	cmd.Flags().String("device", "auto", "compute device: auto, cpu or simd")
	return cmd
}
