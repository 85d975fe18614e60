package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

// getKey returns the long-term credential key generator subcommand.
func getKey() *cobra.Command {
	var (
		username string
		realm    string
		password string
	)
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Generate long-term credential keys",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("md5    0x" + hex.EncodeToString(stun.LongTermMD5(username, realm, password)))
			fmt.Println("sha256 0x" + hex.EncodeToString(stun.LongTermSHA256(username, realm, password)))
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "username")
	cmd.Flags().StringVarP(&realm, "realm", "r", "", "realm")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}
