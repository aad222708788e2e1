package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/runtarahq/runtara/pkg/api"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check environment plane health",
	Long:  `Query the environment plane for liveness, version and the number of active instances.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		defer client.Close()

		var resp api.HealthResponse
		if err := client.Call(cmd.Context(), api.OpHealth, nil, &resp); err != nil {
			cmd.Printf("Health check failed: %v\n", err)
			return
		}

		state := colorRed + "unhealthy" + colorReset
		if resp.Healthy {
			state = colorGreen + "healthy" + colorReset
		}
		cmd.Printf("%sStatus:%s           %s\n", colorDim, colorReset, state)
		cmd.Printf("%sVersion:%s          %s\n", colorDim, colorReset, resp.Version)
		cmd.Printf("%sUptime:%s           %s\n", colorDim, colorReset, formatDuration(time.Duration(resp.UptimeMS)*time.Millisecond))
		cmd.Printf("%sActive instances:%s %d\n", colorDim, colorReset, resp.ActiveInstances)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
