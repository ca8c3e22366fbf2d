package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/report"
	"github.com/ogulcanaydogan/apkforge/internal/verify"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

func newVerifyCommand() *cobra.Command {
	var inPath, idsigPath, require, format, outPath string
	cmd := &cobra.Command{
		Use:   "verify [apk]",
		Short: "Independently verify every signature a package carries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				inPath = args[0]
			}
			if inPath == "" {
				return cliError{code: verify.ExitFormatFail, err: fmt.Errorf("an apk path is required")}
			}
			if format != "json" && format != "md" {
				return cliError{code: verify.ExitFormatFail, err: fmt.Errorf("unsupported format %s", format)}
			}
			apk, err := os.ReadFile(inPath)
			if err != nil {
				return cliError{code: verify.ExitFormatFail, err: err}
			}

			var opts verify.Options
			if require != "" {
				if opts.Require, err = types.ParseSchemes(splitCSV(require)); err != nil {
					return cliError{code: verify.ExitFormatFail, err: err}
				}
			}
			if idsigPath == "" && hash.FileExists(inPath+".idsig") {
				idsigPath = inPath + ".idsig"
			}
			if idsigPath != "" {
				if opts.V4Signature, err = os.ReadFile(idsigPath); err != nil {
					return cliError{code: verify.ExitMissing, err: err}
				}
			}

			r := verify.Package(apk, opts)
			if err := emitVerifyReport(r, format, outPath); err != nil {
				return cliError{code: verify.ExitFormatFail, err: err}
			}
			if !r.Passed {
				return cliError{code: r.ExitCode, err: fmt.Errorf("verification failed: %d violation(s)", len(r.Violations))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "package to verify")
	cmd.Flags().StringVar(&idsigPath, "idsig", "", "detached v4 signature (default: <apk>.idsig when present)")
	cmd.Flags().StringVar(&require, "require", "", "schemes that must be present, for example v2,v3")
	cmd.Flags().StringVar(&format, "format", "md", "report format (json|md)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the report here instead of stdout")
	return cmd
}

func emitVerifyReport(r verify.Report, format, outPath string) error {
	if outPath != "" {
		if format == "json" {
			return report.WriteJSON(outPath, r)
		}
		return report.WriteMarkdown(outPath, report.VerifyMarkdown(r))
	}
	if format == "json" {
		raw, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Println(string(raw))
		return err
	}
	_, err := fmt.Print(report.VerifyMarkdown(r))
	return err
}

func newReportCommand() *cobra.Command {
	var inPath, outPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a build summary or verify report as markdown",
		RunE: func(_ *cobra.Command, _ []string) error {
			if inPath == "" {
				return fmt.Errorf("--in is required")
			}
			md, err := report.Render(inPath)
			if err != nil {
				return err
			}
			if outPath == "" {
				fmt.Print(md)
				return nil
			}
			return report.WriteMarkdown(outPath, md)
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "JSON summary or verify report")
	cmd.Flags().StringVar(&outPath, "out", "", "markdown output path (default: stdout)")
	return cmd
}
