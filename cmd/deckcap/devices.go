package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/session"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and their display modes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog()

		driver, err := device.Open(cfg.Device.Driver)
		if err != nil {
			return err
		}
		infos, err := session.ListDevices(driver)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		printDevices(infos)
		return nil
	},
}

func init() {
	devicesCmd.Flags().Bool("json", false, "print JSON")
}

func printDevices(infos []session.DeviceInfo) {
	if len(infos) == 0 {
		fmt.Println("No capture devices found.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, d := range infos {
		detect := "no"
		if d.FormatDetection {
			detect = "yes"
		}
		fmt.Fprintf(tw, "[%d] %s\tformat detection: %s", d.Index, d.Name, detect)
		if d.Busy {
			fmt.Fprint(tw, "\t(busy)")
		}
		fmt.Fprintln(tw)
		for _, m := range d.Modes {
			threeD := ""
			if m.Supports3D {
				threeD = "3D"
			}
			fmt.Fprintf(tw, "    %d\t%s\t%dx%d\t%.2f fps\t%s\n", m.Index, m.Name, m.Width, m.Height, m.FrameRate, threeD)
		}
	}
	tw.Flush()
}
