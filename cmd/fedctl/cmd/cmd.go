// Package cmd implements fedctl, an operator CLI for the bootstrap
// registry's HTTP surface (register/list/deregister a server by hand).
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// RootCmd is fedctl's entry point.
var RootCmd = &cobra.Command{
	Use:   "fedctl",
	Short: "operate a signalcore bootstrap registry",
}

var (
	bootstrapURL string
	serverID     string
	endpoint     string
	region       string
)

func init() {
	RootCmd.PersistentFlags().StringVar(&bootstrapURL, "bootstrap-url", "", "bootstrap registry base URL")
	if err := RootCmd.MarkPersistentFlagRequired("bootstrap-url"); err != nil {
		panic(err)
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// serverRecord mirrors the wire shape the bootstrap registry expects on
// POST /servers and returns on POST /servers/heartbeat.
type serverRecord struct {
	ServerID string `json:"server_id"`
	Endpoint string `json:"endpoint"`
	Region   string `json:"region,omitempty"`
}

type heartbeatResponse struct {
	Peers []serverRecord `json:"peers"`
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bootstrap registry returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
