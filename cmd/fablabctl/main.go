// fablabctl is a command line client for the Fab Lab service.
package main

import (
	"encoding/json"
	"fablab/internal/config"
	"fablab/pkg/client"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	server string
	json   bool
}

func (f *rootFlags) client() (*client.Client, error) {
	return client.New(f.server)
}

func main() {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "fablabctl",
		Short:         "Inspect a Fab Lab and manage fabrication jobs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.server, "server", config.GetEnv("FABLAB_URL", "http://localhost:3000"), "Fab Lab service URL")
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "Print raw JSON")

	root.AddCommand(inventoryCmd(&flags))
	root.AddCommand(quotaCmd(&flags))
	root.AddCommand(jobsCmd(&flags))
	root.AddCommand(seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
