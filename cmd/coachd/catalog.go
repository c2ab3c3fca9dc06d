package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/antoniostano/coachd/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect flow catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a catalog file, or the built-in catalog when no path is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		cat, err := catalog.Load(path)
		if err != nil {
			return err
		}
		describeCatalog(cmd.OutOrStdout(), cat)
		return nil
	},
}

func describeCatalog(w io.Writer, cat *catalog.Catalog) {
	fmt.Fprintf(w, "catalog ok: %d flows, %d knowledge snippets\n", len(cat.Flows), len(cat.Knowledge))
	for _, f := range cat.Flows {
		fmt.Fprintf(w, "  %-20s %d fields (%d required), %d triggers\n", f.Name, len(f.Fields), f.RequiredCount(), len(f.Triggers))
	}
}
