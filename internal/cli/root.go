// Package cli implements the graphlower command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/born-ml/graphlower/internal/dump"
	"github.com/spf13/cobra"
)

// Version is the graphlower release.
const Version = "v0.1.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format     string // "text" | "json"
	Dump       string // tensor dump destination, a directory or gs://bucket/prefix
	DumpFormat string // "text" | "fp32" | "binary" | "safetensors"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "graphlower",
		Short: "Lower composite operators and rewrite graph boundaries",
		Long: `graphlower decomposes composite operators such as bidirectional
sequence RNNs into primitive graphs and splices input and output adapters
into built graphs.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.DumpFormat != "safetensors" {
				if _, err := dump.ParseFormat(opts.DumpFormat); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Dump, "dump", "", "dump tensors to a directory or gs://bucket/prefix")
	cmd.PersistentFlags().StringVar(&opts.DumpFormat, "dump-format", "fp32", "tensor dump format (text|fp32|binary|safetensors)")

	cmd.AddCommand(NewBiRNNCommand(opts))
	cmd.AddCommand(NewPreProcessCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphlower %s\n", Version)
		},
	}
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
