package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/runtarahq/runtara/internal/protocol"
	"github.com/runtarahq/runtara/pkg/api"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage workflow images",
	Long:  `Register, list and delete workflow binary images. Images are content-addressed: registering the same binary twice returns the existing image id.`,
}

var imageRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a workflow binary as an image",
	Long:  `Upload a workflow binary to the environment plane. Small binaries are sent in a single frame; larger ones are streamed in chunks.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		tenant, ok := requireTenant(cmd)
		if !ok {
			return
		}
		file, _ := cmd.Flags().GetString("file")
		name, _ := cmd.Flags().GetString("name")
		runnerKind, _ := cmd.Flags().GetString("runner")
		if name == "" {
			name = filepath.Base(file)
		}

		info, err := os.Stat(file)
		if err != nil {
			cmd.Printf("Failed to stat binary: %v\n", err)
			return
		}

		client := newClient()
		defer client.Close()

		var resp api.RegisterImageResponse
		if info.Size() <= protocol.DefaultChunkSize {
			data, err := os.ReadFile(file)
			if err != nil {
				cmd.Printf("Failed to read binary: %v\n", err)
				return
			}
			err = client.Call(cmd.Context(), api.OpRegisterImage, api.RegisterImageRequest{
				TenantID:   tenant,
				Name:       name,
				Binary:     data,
				RunnerKind: runnerKind,
			}, &resp)
			if err != nil {
				cmd.Printf("Failed to register image: %v\n", err)
				return
			}
		} else {
			f, err := os.Open(file)
			if err != nil {
				cmd.Printf("Failed to open binary: %v\n", err)
				return
			}
			defer f.Close()

			err = client.Upload(cmd.Context(), api.OpRegisterImageStream, api.RegisterImageStreamStart{
				TenantID:   tenant,
				Name:       name,
				TotalSize:  info.Size(),
				RunnerKind: runnerKind,
			}, f, &resp)
			if err != nil {
				cmd.Printf("Failed to register image: %v\n", err)
				return
			}
		}

		cmd.Printf("%s Image registered\n", colorGreen+"✓"+colorReset)
		cmd.Printf("%sImage ID:%s %s\n", colorDim, colorReset, resp.ImageID)
		cmd.Printf("%sName:%s     %s\n", colorDim, colorReset, name)
		cmd.Printf("%sSize:%s     %s\n", colorDim, colorReset, formatBytes(info.Size()))
	},
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered images",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		tenant, ok := requireTenant(cmd)
		if !ok {
			return
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client := newClient()
		defer client.Close()

		var resp api.ListImagesResponse
		err := client.Call(cmd.Context(), api.OpListImages, api.ListImagesRequest{
			TenantID: tenant,
			Limit:    limit,
			Offset:   offset,
		}, &resp)
		if err != nil {
			cmd.Printf("Failed to list images: %v\n", err)
			return
		}

		if len(resp.Images) == 0 {
			cmd.Println("No images registered")
			return
		}
		cmd.Printf("%sImages (%d total)%s\n", colorBold, resp.Total, colorReset)
		for _, img := range resp.Images {
			cmd.Printf("%s  %s%s  %s  %s  %s\n",
				img.ImageID,
				colorDim, img.Name, formatBytes(img.SizeBytes), img.RunnerKind,
				formatTimeWithRelative(&img.CreatedAt))
		}
	},
}

var imageDeleteCmd = &cobra.Command{
	Use:   "delete [image_id]",
	Short: "Delete an image",
	Long:  `Delete a registered image. Fails while any non-terminal instance still references it.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		defer client.Close()

		var resp api.DeleteImageResponse
		err := client.Call(cmd.Context(), api.OpDeleteImage, api.DeleteImageRequest{ImageID: args[0]}, &resp)
		if err != nil {
			cmd.Printf("Failed to delete image: %v\n", err)
			return
		}
		cmd.Printf("%s Image %s deleted\n", colorGreen+"✓"+colorReset, args[0])
	},
}

func init() {
	imageRegisterCmd.Flags().String("file", "", "Path to the workflow binary (required)")
	imageRegisterCmd.MarkFlagRequired("file")
	imageRegisterCmd.Flags().String("name", "", "Image name (default: binary file name)")
	imageRegisterCmd.Flags().String("runner", "", "Runner kind (oci, docker; default: plane setting)")

	imageListCmd.Flags().Int("limit", 50, "Maximum number of images to return")
	imageListCmd.Flags().Int("offset", 0, "Pagination offset")

	imageCmd.AddCommand(imageRegisterCmd)
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imageDeleteCmd)
	rootCmd.AddCommand(imageCmd)
}
