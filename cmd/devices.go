package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Rysertio/screenstreaming/internal/capture"
	"github.com/Rysertio/screenstreaming/internal/util"
)

type DevicesOptions struct {
	OutputFormat string
}

type deviceRow struct {
	Serial string `json:"serial"`
	Model  string `json:"model"`
	State  string `json:"state"`
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List Android devices that can be streamed",
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, err := capture.NewADBBridge()
			if err != nil {
				return err
			}
			return ExecuteDevices(cmd, opts, bridge)
		},
		Example: `  screenstream devices
  screenstream devices --format json`,
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "format", "f", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteDevices(cmd *cobra.Command, opts *DevicesOptions, bridge capture.Bridge) error {
	devices, err := bridge.Devices()
	if err != nil {
		return errors.Wrap(err, "failed to list adb devices")
	}

	rows := make([]deviceRow, 0, len(devices))
	for _, d := range devices {
		state := "unknown"
		if s, err := bridge.State(d.Serial); err == nil {
			state = capture.StateName(s)
		}
		rows = append(rows, deviceRow{Serial: d.Serial, Model: d.Model, State: state})
	}

	out := cmd.OutOrStdout()
	if opts.OutputFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No Android device attached")
		return nil
	}

	tableRows := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		tableRows[i] = map[string]interface{}{
			"serial": r.Serial,
			"model":  r.Model,
			"state":  colorState(r.State),
		}
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "SERIAL", Key: "serial"},
		{Header: "MODEL", Key: "model"},
		{Header: "STATE", Key: "state"},
	}, tableRows)
	return nil
}

func colorState(state string) string {
	switch state {
	case "online":
		return color.GreenString(state)
	case "offline", "unauthorized", "disconnected":
		return color.RedString(state)
	default:
		return state
	}
}
