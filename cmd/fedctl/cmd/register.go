package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVar(&serverID, "server-id", "", "server_id to register")
	registerCmd.Flags().StringVar(&endpoint, "endpoint", "", "advertised wss:// endpoint")
	registerCmd.Flags().StringVar(&region, "region", "", "optional region tag")
	for _, f := range []string{"server-id", "endpoint"} {
		if err := registerCmd.MarkFlagRequired(f); err != nil {
			log.Fatal(err)
		}
	}
}

func register() error {
	body, err := json.Marshal(serverRecord{ServerID: serverID, Endpoint: endpoint, Region: region})
	if err != nil {
		return err
	}
	resp, err := httpClient().Post(bootstrapURL+"/servers", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registration failed: %s", resp.Status)
	}
	log.Infof("registered %s at %s", serverID, endpoint)
	return nil
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "register a server with the bootstrap registry",
	Run: func(cmd *cobra.Command, args []string) {
		if err := register(); err != nil {
			log.Fatal(err)
		}
	},
}
