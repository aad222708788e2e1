package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/runtarahq/runtara/internal/protocol"
)

// newClient builds a protocol client from the resolved configuration.
func newClient() *protocol.Client {
	return protocol.NewClient(viper.GetString("addr"), protocol.ClientOptions{
		ServerName:           viper.GetString("server_name"),
		SkipCertVerification: viper.GetBool("insecure"),
		PlainTCP:             viper.GetBool("plaintext"),
	})
}

// requireTenant resolves the tenant id and prints a hint when it is missing.
func requireTenant(cmd *cobra.Command) (string, bool) {
	tenant := viper.GetString("tenant")
	if tenant == "" {
		cmd.Println("Tenant id not set. Please set it using the --tenant flag or the RUNTARA_TENANT environment variable")
		return "", false
	}
	return tenant, true
}
