package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/runtarahq/runtara/pkg/api"
)

var startCmd = &cobra.Command{
	Use:   "start [image_id]",
	Short: "Start a workflow instance",
	Long: `Launch a new instance of a registered image.

Pass --instance-id to restart a previously failed instance: the new run
keeps the instance's checkpoints and replays through them instead of
redoing completed work.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tenant, ok := requireTenant(cmd)
		if !ok {
			return
		}
		instanceID, _ := cmd.Flags().GetString("instance-id")
		input, _ := cmd.Flags().GetString("input")
		timeout, _ := cmd.Flags().GetInt64("timeout")
		envPairs, _ := cmd.Flags().GetStringSlice("env")

		env := make(map[string]string, len(envPairs))
		for _, pair := range envPairs {
			key, value, found := strings.Cut(pair, "=")
			if !found {
				cmd.Printf("Invalid --env value %q, expected KEY=VALUE\n", pair)
				return
			}
			env[key] = value
		}

		req := api.StartInstanceRequest{
			ImageID:        args[0],
			TenantID:       tenant,
			InstanceID:     instanceID,
			TimeoutSeconds: timeout,
			Env:            env,
		}
		if input != "" {
			req.Input = []byte(input)
		}

		client := newClient()
		defer client.Close()

		var resp api.StartInstanceResponse
		if err := client.Call(cmd.Context(), api.OpStartInstance, req, &resp); err != nil {
			cmd.Printf("Failed to start instance: %v\n", err)
			return
		}
		cmd.Printf("%s Instance started\n", colorGreen+"✓"+colorReset)
		cmd.Printf("%sInstance ID:%s %s\n", colorDim, colorReset, resp.InstanceID)
	},
}

func init() {
	startCmd.Flags().String("instance-id", "", "Instance id (restart a failed instance with replay)")
	startCmd.Flags().String("input", "", "Workflow input (JSON)")
	startCmd.Flags().Int64("timeout", 0, "Execution timeout in seconds (default: plane setting)")
	startCmd.Flags().StringSlice("env", nil, "Environment variables for the binary (KEY=VALUE, repeatable)")
	rootCmd.AddCommand(startCmd)
}
