package cmd

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(deregisterCmd)
	deregisterCmd.Flags().StringVar(&serverID, "server-id", "", "server_id to deregister")
	if err := deregisterCmd.MarkFlagRequired("server-id"); err != nil {
		log.Fatal(err)
	}
}

func deregister() error {
	req, err := http.NewRequest(http.MethodDelete, bootstrapURL+"/servers/"+serverID, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deregistration failed: %s", resp.Status)
	}
	log.Infof("deregistered %s", serverID)
	return nil
}

var deregisterCmd = &cobra.Command{
	Use:   "deregister",
	Short: "remove a server from the bootstrap registry",
	Run: func(cmd *cobra.Command, args []string) {
		if err := deregister(); err != nil {
			log.Fatal(err)
		}
	},
}
