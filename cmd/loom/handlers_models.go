package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
)

// runModels prints the model catalog a provider advertises. The driver is
// constructed the same way serve constructs it, so credential and
// configuration problems surface with the same errors and exit codes.
func runModels(cmd *cobra.Command, providerName string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if providerName == "" {
		providerName = cfg.Provider
	}

	lc := cfg.LogConfig()
	if lc.Level == "info" {
		lc.Level = "warn"
	}
	dcfg := cfg.DriverConfig(providerName)
	dcfg.Logger = observability.NewLogger(lc)
	p, err := providers.Create(providerName, dcfg)
	if err != nil {
		return err
	}

	infos := p.Models(cmd.Context())
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintf(out, "No models advertised by %s.\n", providerName)
		return nil
	}

	fmt.Fprintf(out, "Models for %s:\n", p.Name())
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINPUT\tOUTPUT\tCAPABILITIES")
	for _, m := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			m.ID, m.DisplayName, m.InputLimit, m.OutputLimit, strings.Join(m.Capabilities, ","))
	}
	return w.Flush()
}
