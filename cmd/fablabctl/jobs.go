package main

import (
	"encoding/json"
	"fablab/cmd/fablabctl/ui"
	"fablab/pkg/client"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

func jobsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit, inspect and cancel fabrication jobs",
	}
	cmd.AddCommand(submitCmd(flags))
	cmd.AddCommand(statusCmd(flags))
	cmd.AddCommand(cancelCmd(flags))
	return cmd
}

func submitCmd(flags *rootFlags) *cobra.Command {
	var (
		user    string
		machine string
		file    string
		auxFile string
		params  []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a design file to an eligible machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query, err := parseParams(params)
			if err != nil {
				return err
			}

			design, name, err := client.OpenFile(file)
			if err != nil {
				return err
			}
			defer design.Close()

			req := &client.SubmitRequest{
				User:        user,
				MachineType: machine,
				Query:       query,
				File:        design,
				Name:        name,
			}
			if auxFile != "" {
				aux, auxName, err := client.OpenFile(auxFile)
				if err != nil {
					return err
				}
				defer aux.Close()
				req.AuxFile, req.AuxName = aux, auxName
			}

			c, err := flags.client()
			if err != nil {
				return err
			}
			sub, err := c.SubmitJob(cmd.Context(), req)
			if err != nil {
				return err
			}

			if sub.JobID == "" {
				_, err := os.Stdout.Write(append(sub.Raw, '\n'))
				return err
			}
			if flags.json {
				return printJSON(sub)
			}
			fmt.Println(ui.SuccessMsg("Job %s accepted by machine %s", sub.JobID, sub.MachineID))
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Submitting user")
	cmd.Flags().StringVar(&machine, "machine", "", "Machine type")
	cmd.Flags().StringVar(&file, "file", "", "Design file")
	cmd.Flags().StringVar(&auxFile, "aux-file", "", "Auxiliary file")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Extra key=value parameter forwarded to the machine")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("machine")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's status as reported by its machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			doc, err := c.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(doc)
			}

			var fields map[string]any
			if err := json.Unmarshal(doc, &fields); err != nil {
				return printJSON(doc)
			}
			pairs := []ui.Pair{ui.KV("Job", args[0])}
			for _, k := range sortedKeys(fields) {
				pairs = append(pairs, ui.KV(k, fmt.Sprint(fields[k])))
			}
			fmt.Print(ui.KeyValues("  ", pairs...))
			return nil
		},
	}
}

func cancelCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job on its machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			res, err := c.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.StatusCode >= 300 {
				fmt.Println(ui.ErrorMsg("Machine answered %d", res.StatusCode))
			} else {
				fmt.Println(ui.SuccessMsg("Job %s cancelled", args[0]))
			}
			if len(res.Body) > 0 {
				_, _ = os.Stdout.Write(append(res.Body, '\n'))
			}
			return nil
		},
	}
}

func parseParams(params []string) (url.Values, error) {
	query := url.Values{}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		query.Add(k, v)
	}
	return query, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
