// cmd/fedctl/main.go
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/petervdpas/signalcore/cmd/fedctl/cmd"
)

func main() {
	log.SetLevel(log.InfoLevel)
	if err := cmd.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
