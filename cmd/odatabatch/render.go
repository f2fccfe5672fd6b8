package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/internal/plan"
)

func newRenderCmd() *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the multipart request a plan produces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := plan.Load(planPath)
			if err != nil {
				return err
			}
			req, err := p.Request()
			if err != nil {
				return err
			}
			enc, err := batch.Encode(req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "POST %s/$batch\n", req.ServicePath())
			fmt.Fprintf(out, "Content-Type: %s\n\n", enc.ContentType)
			_, err = out.Write(enc.Body)
			return err
		},
	}
	cmd.Flags().StringVarP(&planPath, "plan", "p", "plan.yaml", "path to the batch plan (YAML or JSON)")
	return cmd
}
