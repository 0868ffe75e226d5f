package main

import (
	"fablab/cmd/fablabctl/ui"
	"fablab/internal/facility"
	"fablab/internal/registry"
	"fmt"

	"github.com/spf13/cobra"
)

// seedCmd writes a facility description straight into the registry,
// using the same REGISTRY_* environment as the service.
func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Load a YAML facility description into the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := registry.Open(ctx, registry.LoadConfigFromEnv())
			if err != nil {
				return err
			}
			defer store.Close()

			desc, err := facility.SeedFile(ctx, store, args[0])
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Seeded facility %s (%d opening days, %d materials)",
				desc.ID, len(desc.OpeningDays), len(desc.Materials)))
			return nil
		},
	}
}
