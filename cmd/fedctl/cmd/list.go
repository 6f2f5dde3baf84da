package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&serverID, "server-id", "fedctl", "server_id to heartbeat as (excluded from the returned peer list)")
}

func list() error {
	body, err := json.Marshal(serverRecord{ServerID: serverID})
	if err != nil {
		return err
	}
	resp, err := httpClient().Post(bootstrapURL+"/servers/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	var out heartbeatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if len(out.Peers) == 0 {
		fmt.Println("no peers registered")
		return nil
	}
	for _, p := range out.Peers {
		fmt.Printf("%s\t%s\t%s\n", p.ServerID, p.Endpoint, p.Region)
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list servers currently known to the bootstrap registry",
	Run: func(cmd *cobra.Command, args []string) {
		if err := list(); err != nil {
			log.Fatal(err)
		}
	},
}
