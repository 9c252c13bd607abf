package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBotsCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "bots",
		Short: "List bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			bots, err := a.api.ListBots(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(bots) == 0 {
				fmt.Fprintln(out, "No bots found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tNAME\tADAPTER\tENABLED\tPIPELINE")
			for _, b := range bots {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", b.UUID, b.Name, b.Adapter, b.Enable, b.PipelineID)
			}
			return w.Flush()
		},
	}
}

func newPipelinesCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			pipelines, err := a.api.ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pipelines) == 0 {
				fmt.Fprintln(out, "No pipelines found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tNAME\tDEFAULT\tDESCRIPTION")
			for _, p := range pipelines {
				def := ""
				if p.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.UUID, p.Name, def, p.Description)
			}
			return w.Flush()
		},
	}
}
