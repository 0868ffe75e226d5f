package main

import (
	"fablab/cmd/fablabctl/ui"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func inventoryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "inventory",
		Aliases: []string{"inv"},
		Short:   "Show the facility and its equipment",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			inv, err := c.Inventory(cmd.Context())
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(inv)
			}

			f := inv.Facility
			fmt.Print(ui.KeyValues("  ",
				ui.KV("Facility", f.ID),
				ui.KV("Name", f.Name),
				ui.KV("Web", f.Web),
				ui.KV("Capacity", strconv.Itoa(f.Capacity)),
				ui.KV("Jobs", fmt.Sprintf("%d running, %d queued", inv.Jobs.Running, inv.Jobs.Queued)),
			))

			if len(f.Equipment) == 0 {
				fmt.Println(ui.Muted("no machines registered"))
				return nil
			}
			rows := make([][]string, len(f.Equipment))
			for i, m := range f.Equipment {
				rows[i] = []string{m["id"], m["name"], m["type"], m["vendor"], ui.State(m["state"]), m["url"]}
			}
			fmt.Println(ui.Table([]string{"ID", "Name", "Type", "Vendor", "State", "URL"}, rows))
			return nil
		},
	}
}

func quotaCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the remaining API quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			q, err := c.Quota(cmd.Context())
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(q)
			}
			fmt.Print(ui.KeyValues("  ",
				ui.KV("Facility", q.ID),
				ui.KV("Remaining", strconv.FormatInt(q.Quota, 10)),
			))
			return nil
		},
	}
}
