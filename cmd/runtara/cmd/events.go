package cmd

import (
	"github.com/spf13/cobra"

	"github.com/runtarahq/runtara/pkg/api"
)

var eventsCmd = &cobra.Command{
	Use:   "events [instance_id]",
	Short: "List an instance's lifecycle events",
	Long:  `Show the event log of an instance in insertion order: lifecycle transitions, heartbeats, progress and custom events.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client := newClient()
		defer client.Close()

		var resp api.ListEventsResponse
		err := client.Call(cmd.Context(), api.OpListEvents, api.ListEventsRequest{
			InstanceID: args[0],
			Kind:       kind,
			Limit:      limit,
			Offset:     offset,
		}, &resp)
		if err != nil {
			cmd.Printf("Failed to list events: %v\n", err)
			return
		}

		if len(resp.Events) == 0 {
			cmd.Println("No events recorded")
			return
		}
		cmd.Printf("%sEvents (%d total)%s\n", colorBold, resp.Total, colorReset)
		for _, ev := range resp.Events {
			line := ev.Kind
			if ev.Subtype != nil {
				line += "/" + *ev.Subtype
			}
			cmd.Printf("%s%s%s  %s", colorDim, ev.CreatedAt.Format("2006-01-02 15:04:05"), colorReset, line)
			if ev.CheckpointID != nil {
				cmd.Printf("  %scheckpoint=%s%s", colorDim, *ev.CheckpointID, colorReset)
			}
			if len(ev.Payload) > 0 {
				cmd.Printf("  %s", string(ev.Payload))
			}
			cmd.Println()
		}
	},
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints [instance_id]",
	Short: "List an instance's checkpoints",
	Long:  `Show the checkpoint log of an instance. State sizes are reported; the state bytes themselves stay on the server.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client := newClient()
		defer client.Close()

		var resp api.ListCheckpointsResponse
		err := client.Call(cmd.Context(), api.OpListCheckpoints, api.ListCheckpointsRequest{
			InstanceID: args[0],
			Limit:      limit,
			Offset:     offset,
		}, &resp)
		if err != nil {
			cmd.Printf("Failed to list checkpoints: %v\n", err)
			return
		}

		if len(resp.Checkpoints) == 0 {
			cmd.Println("No checkpoints recorded")
			return
		}
		cmd.Printf("%sCheckpoints (%d total)%s\n", colorBold, resp.Total, colorReset)
		for _, cp := range resp.Checkpoints {
			cmd.Printf("%s%s%s  %s  %s", colorDim, cp.CreatedAt.Format("2006-01-02 15:04:05"), colorReset,
				cp.CheckpointID, formatBytes(int64(cp.StateSize)))
			if cp.IsRetryAttempt {
				cmd.Printf("  %sretry attempt %d%s", colorYellow, cp.Attempt, colorReset)
				if cp.ErrorMessage != nil {
					cmd.Printf("  %s%s%s", colorRed, *cp.ErrorMessage, colorReset)
				}
			}
			cmd.Println()
		}
	},
}

func init() {
	eventsCmd.Flags().String("kind", "", "Filter by event kind")
	eventsCmd.Flags().Int("limit", 100, "Maximum number of events to return")
	eventsCmd.Flags().Int("offset", 0, "Pagination offset")

	checkpointsCmd.Flags().Int("limit", 100, "Maximum number of checkpoints to return")
	checkpointsCmd.Flags().Int("offset", 0, "Pagination offset")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
