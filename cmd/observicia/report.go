package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/observicia-go/internal/report"
	"github.com/tjfontaine/observicia-go/internal/telemetry"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Convert NDJSON telemetry into reports",
	}
	cmd.AddCommand(newReportCSVCmd(), newReportMermaidCmd(), newReportCoherenceCmd())
	return cmd
}

func newReportCSVCmd() *cobra.Command {
	var input, output string

	cmd := &cobra.Command{
		Use:   "csv",
		Short: "Export per-call token usage as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, skipped, err := readTelemetry(cmd, input)
			if err != nil {
				return err
			}
			rows := report.TokenRows(records)

			out, closeOut, err := openOutput(cmd, output)
			if err != nil {
				return err
			}
			if err := report.WriteCSV(out, rows); err != nil {
				closeOut()
				return fmt.Errorf("failed to write csv: %w", err)
			}
			closeOut()

			// Keep stdout clean when the CSV itself goes there.
			info := cmd.OutOrStdout()
			if output == "" || output == "-" {
				info = cmd.ErrOrStderr()
			}
			fmt.Fprintf(info, "Processed %d records to %s (%d lines skipped)\n", len(rows), displayName(output), skipped)
			if len(rows) > 0 {
				fmt.Fprintln(info)
				return report.Summarize(rows).WriteText(info)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input telemetry file (default: stdin)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output CSV file (default: stdout)")
	return cmd
}

func newReportMermaidCmd() *cobra.Command {
	var (
		input, output string
		noNotes       bool
	)

	cmd := &cobra.Command{
		Use:   "mermaid",
		Short: "Render spans as a Mermaid sequence diagram",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, _, err := readTelemetry(cmd, input)
			if err != nil {
				return err
			}
			out, closeOut, err := openOutput(cmd, output)
			if err != nil {
				return err
			}
			defer closeOut()
			return report.WriteMermaid(out, records, report.MermaidOptions{NoNotes: noNotes})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input telemetry file (default: stdin)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().BoolVar(&noNotes, "no-notes", false, "Omit span attribute notes")
	return cmd
}

func newReportCoherenceCmd() *cobra.Command {
	var input, output, url string

	cmd := &cobra.Command{
		Use:   "coherence",
		Short: "Score prompt/completion rounds of a chat log with a compliance service",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, _, err := readTelemetry(cmd, input)
			if err != nil {
				return err
			}
			pairs := report.ChatPairs(records)
			if len(pairs) == 0 {
				return fmt.Errorf("no prompt/completion rounds in %s", displayInput(input))
			}

			scorer, err := report.NewCoherenceScorer(cmd.Context(), url)
			if err != nil {
				return err
			}
			scores := scorer.Score(cmd.Context(), pairs)

			out, closeOut, err := openOutput(cmd, output)
			if err != nil {
				return err
			}
			defer closeOut()
			return report.WriteCoherence(out, scores)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input chat log (default: stdin)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringVar(&url, "url", report.DefaultComplianceURL, "Prompt compliance service URL")
	return cmd
}

func readTelemetry(cmd *cobra.Command, path string) ([]*telemetry.Record, int, error) {
	var in io.Reader = cmd.InOrStdin()
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open telemetry: %w", err)
		}
		defer f.Close()
		in = f
	}
	return report.Read(in)
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func displayName(path string) string {
	if path == "" || path == "-" {
		return "stdout"
	}
	return path
}

func displayInput(path string) string {
	if path == "" || path == "-" {
		return "stdin"
	}
	return path
}
