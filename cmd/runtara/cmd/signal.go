package cmd

import (
	"github.com/spf13/cobra"

	"github.com/runtarahq/runtara/pkg/api"
)

var signalCmd = &cobra.Command{
	Use:   "signal [instance_id] [kind]",
	Short: "Send a control signal to an instance",
	Long: `Queue a control signal for an instance. Valid kinds are cancel, pause
and resume. The binary picks the signal up at its next checkpoint or
poll; a pending cancel is never replaced by a later pause.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		payload, _ := cmd.Flags().GetString("payload")

		req := api.SendSignalRequest{InstanceID: args[0], Kind: args[1]}
		if payload != "" {
			req.Payload = []byte(payload)
		}

		client := newClient()
		defer client.Close()

		var resp api.SendSignalResponse
		if err := client.Call(cmd.Context(), api.OpSendSignal, req, &resp); err != nil {
			cmd.Printf("Failed to send signal: %v\n", err)
			return
		}
		cmd.Printf("%s Signal %s queued for %s\n", colorGreen+"✓"+colorReset, args[1], args[0])
	},
}

var checkpointSignalCmd = &cobra.Command{
	Use:   "checkpoint-signal [instance_id] [checkpoint_id]",
	Short: "Deliver a payload to a waiting checkpoint",
	Long:  `Send a payload to a named wait point. A workflow blocked on that checkpoint id receives the payload on its next checkpoint or poll.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		payload, _ := cmd.Flags().GetString("payload")

		req := api.SendCheckpointSignalRequest{InstanceID: args[0], CheckpointID: args[1]}
		if payload != "" {
			req.Payload = []byte(payload)
		}

		client := newClient()
		defer client.Close()

		var resp api.SendCheckpointSignalResponse
		if err := client.Call(cmd.Context(), api.OpSendCheckpointSignal, req, &resp); err != nil {
			cmd.Printf("Failed to send checkpoint signal: %v\n", err)
			return
		}
		cmd.Printf("%s Payload queued for %s at %s\n", colorGreen+"✓"+colorReset, args[0], args[1])
	},
}

func init() {
	signalCmd.Flags().String("payload", "", "Signal payload (JSON)")
	checkpointSignalCmd.Flags().String("payload", "", "Signal payload (JSON)")
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(checkpointSignalCmd)
}
