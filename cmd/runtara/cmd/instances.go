package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/runtarahq/runtara/pkg/api"
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List workflow instances",
	Long:  `List instances with optional status and image filters, newest first.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		imageID, _ := cmd.Flags().GetString("image")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client := newClient()
		defer client.Close()

		var resp api.ListInstancesResponse
		err := client.Call(cmd.Context(), api.OpListInstances, api.ListInstancesRequest{
			TenantID: viper.GetString("tenant"),
			Status:   status,
			ImageID:  imageID,
			Limit:    limit,
			Offset:   offset,
		}, &resp)
		if err != nil {
			cmd.Printf("Failed to list instances: %v\n", err)
			return
		}

		if len(resp.Instances) == 0 {
			cmd.Println("No instances found")
			return
		}
		cmd.Printf("%sInstances (%d total)%s\n", colorBold, resp.Total, colorReset)
		for _, inst := range resp.Instances {
			cmd.Printf("%s  %s  %sattempt %d/%d%s  %s\n",
				inst.InstanceID,
				colorizeStatus(inst.Status),
				colorDim, inst.Attempt, inst.MaxAttempts, colorReset,
				formatTimeWithRelative(&inst.CreatedAt))
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [instance_id]",
	Short: "Get status of an instance",
	Long:  `Retrieve detailed status for one instance, including its lifecycle state, resume cursor, exit code and resource usage.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		defer client.Close()

		var resp api.InstanceStatusResponse
		err := client.Call(cmd.Context(), api.OpGetInstanceStatus, api.GetInstanceStatusRequest{InstanceID: args[0]}, &resp)
		if err != nil {
			cmd.Printf("Failed to query instance: %v\n", err)
			return
		}
		printInstance(cmd, resp)
	},
}

func printInstance(cmd *cobra.Command, inst api.InstanceStatusResponse) {
	cmd.Printf("%s %sInstance Details%s\n", statusIcon(inst.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, inst.InstanceID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(inst.Status))
	cmd.Printf("%sAttempt:%s     %d/%d\n", colorDim, colorReset, inst.Attempt, inst.MaxAttempts)

	if inst.CheckpointID != nil {
		cmd.Printf("%sCheckpoint:%s  %s\n", colorDim, colorReset, *inst.CheckpointID)
	}
	if inst.TerminationReason != nil {
		cmd.Printf("%sReason:%s      %s\n", colorDim, colorReset, *inst.TerminationReason)
	}
	if inst.ExitCode != nil {
		if *inst.ExitCode == 0 {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorGreen, *inst.ExitCode, colorReset)
		} else {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorRed, *inst.ExitCode, colorReset)
		}
	}
	if inst.Error != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *inst.Error, colorReset)
	}
	if len(inst.Output) > 0 {
		cmd.Printf("%sOutput:%s      %s\n", colorDim, colorReset, string(inst.Output))
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(inst.StartedAt))
	if inst.StartedAt != nil && inst.FinishedAt != nil {
		duration := inst.FinishedAt.Sub(*inst.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(inst.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(inst.FinishedAt))
	}

	if inst.MemoryPeakBytes != nil {
		cmd.Printf("%sPeak Memory:%s %s\n", colorDim, colorReset, formatBytes(*inst.MemoryPeakBytes))
	}
}

func init() {
	instancesCmd.Flags().String("status", "", "Filter by status (pending, running, suspended, completed, failed, cancelled)")
	instancesCmd.Flags().String("image", "", "Filter by image id")
	instancesCmd.Flags().Int("limit", 50, "Maximum number of instances to return")
	instancesCmd.Flags().Int("offset", 0, "Pagination offset")
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(statusCmd)
}
