package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaybot/relaybot/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", "table", "output format: table, json, yaml")
	cmd.Flags().String("out", "", "write output to a file instead of stdout")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// outputPath appends the format extension when the path has none.
func outputPath(path string, format output.Format) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" || filepath.Ext(trimmed) != "" {
		return trimmed
	}
	return trimmed + "." + output.Extension(format)
}

func openSink(path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: os.Stdout, close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

// writeOutput renders v in the format selected by --output-format to the
// sink selected by --out.
func writeOutput(cmd *cobra.Command, v any, table func() string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	outPath, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}

	sink, err := openSink(outputPath(outPath, format))
	if err != nil {
		return err
	}
	if sink.path == "-" {
		sink.writer = cmd.OutOrStdout()
	}

	if err := output.Write(sink.writer, format, v, table); err != nil {
		_ = sink.close()
		return err
	}
	if err := sink.close(); err != nil {
		return err
	}
	if sink.path != "-" {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", sink.path)
	}
	return nil
}
