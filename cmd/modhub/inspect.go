package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [manifest]",
	Short: "Show a parsed manifest or the runtime inventory",
	Long: `Without arguments, list the capabilities modules may be granted and the
available transports. With a manifest, print where it resolves, its parsed
form and the metadata dependants of the module see.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringP("format", "o", "yaml", "Output format: yaml, json")
	rootCmd.AddCommand(inspectCmd)
}

type manifestReport struct {
	URL          string         `json:"url" yaml:"url"`
	Manifest     map[string]any `json:"manifest" yaml:"manifest"`
	Metadata     map[string]any `json:"metadata" yaml:"metadata"`
	Capabilities []string       `json:"capabilities" yaml:"capabilities"`
	Dependencies []string       `json:"dependencies" yaml:"dependencies"`
}

type inventoryReport struct {
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Transports   []string `json:"transports" yaml:"transports"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "yaml" && format != "json" {
		return fmt.Errorf("unknown format %q: use yaml or json", format)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, _, err := startRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if len(args) == 0 {
		return writeReport(cmd.OutOrStdout(), format, inventoryReport{
			Capabilities: rt.Capabilities(),
			Transports:   rt.Transports(),
		})
	}

	url, mf, err := rt.LoadManifest(ctx, args[0])
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), format, manifestReport{
		URL:          url,
		Manifest:     mf.ToMap(),
		Metadata:     mf.Metadata(),
		Capabilities: mf.CapabilityPermissions(),
		Dependencies: mf.DependencyNames(),
	})
}

func writeReport(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
