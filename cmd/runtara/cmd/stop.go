package cmd

import (
	"github.com/spf13/cobra"

	"github.com/runtarahq/runtara/pkg/api"
)

var stopCmd = &cobra.Command{
	Use:   "stop [instance_id]",
	Short: "Stop a running instance",
	Long:  `Stop an instance. The process receives SIGTERM and, after the grace period, SIGKILL. The instance ends as cancelled.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		grace, _ := cmd.Flags().GetInt64("grace")

		client := newClient()
		defer client.Close()

		var resp api.StopInstanceResponse
		err := client.Call(cmd.Context(), api.OpStopInstance, api.StopInstanceRequest{
			InstanceID:   args[0],
			GraceSeconds: grace,
		}, &resp)
		if err != nil {
			cmd.Printf("Failed to stop instance: %v\n", err)
			return
		}
		cmd.Printf("%s Instance %s stopped\n", colorGreen+"✓"+colorReset, args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [instance_id]",
	Short: "Resume a paused instance",
	Long:  `Relaunch a paused instance from its last checkpoint. Sleeping instances are woken by the wake scheduler, not by this command.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		defer client.Close()

		var resp api.ResumeInstanceResponse
		err := client.Call(cmd.Context(), api.OpResumeInstance, api.ResumeInstanceRequest{InstanceID: args[0]}, &resp)
		if err != nil {
			cmd.Printf("Failed to resume instance: %v\n", err)
			return
		}
		cmd.Printf("%s Instance %s resumed\n", colorGreen+"✓"+colorReset, args[0])
	},
}

func init() {
	stopCmd.Flags().Int64("grace", 0, "Grace period in seconds before SIGKILL (default: plane setting)")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resumeCmd)
}
