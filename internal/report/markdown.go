package report

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ogulcanaydogan/apkforge/internal/verify"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", "\\|"), "\n", " ")
}

func BuildMarkdown(s Summary) string {
	var b strings.Builder
	b.WriteString("# APK Build Report\n\n")
	b.WriteString(fmt.Sprintf("- Build: `%s`\n", s.BuildID))
	b.WriteString(fmt.Sprintf("- Outcome: **%s**\n", s.Outcome))
	states := make([]string, len(s.States))
	for i, st := range s.States {
		states[i] = string(st)
	}
	b.WriteString(fmt.Sprintf("- States: `%s`\n", strings.Join(states, " → ")))
	if s.Reason != nil {
		b.WriteString(fmt.Sprintf("- Reason: `%s` %s\n", s.Reason.Kind, cell(s.Reason.Message)))
	}

	if p := s.Package; p != nil {
		b.WriteString("\n## Package\n\n")
		b.WriteString(fmt.Sprintf("- Digest: `%s`\n", p.Digest))
		b.WriteString(fmt.Sprintf("- Layout Digest: `%s`\n", p.LayoutDigest))
		b.WriteString(fmt.Sprintf("- Size: `%d`\n", p.Size))
		b.WriteString(fmt.Sprintf("- Schemes: `%s`\n", p.Schemes))
		b.WriteString(fmt.Sprintf("- Certificate: `%s`\n", p.CertificateDigest))
		if p.SigningBlockOffset >= 0 {
			b.WriteString(fmt.Sprintf("- Signing Block Offset: `%d`\n", p.SigningBlockOffset))
		}
	}

	b.WriteString("\n## Targets\n\n")
	b.WriteString("| Module | ABI | Status | Attempts | Kind | Message |\n")
	b.WriteString("|---|---|---|---:|---|---|\n")
	for _, t := range s.Targets {
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %s | %s |\n",
			t.Module, cell(string(t.ABI)), t.Status, t.Attempts, cell(string(t.Kind)), cell(t.Message)))
	}

	b.WriteString("\n## Timing\n\n")
	b.WriteString(fmt.Sprintf("- Total: `%s`\n", s.Timing.Total.Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("- Compile: `%s`\n", s.Timing.Compile.Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("- Merge: `%s`\n", s.Timing.Merge.Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("- Sign: `%s`\n", s.Timing.Sign.Round(time.Millisecond)))
	if len(s.Timing.PerABI) > 0 {
		abis := make([]string, 0, len(s.Timing.PerABI))
		for abi := range s.Timing.PerABI {
			abis = append(abis, string(abi))
		}
		sort.Strings(abis)
		for _, abi := range abis {
			b.WriteString(fmt.Sprintf("- %s: `%s`\n", abi, s.Timing.PerABI[types.ABI(abi)].Round(time.Millisecond)))
		}
	}
	return b.String()
}

func VerifyMarkdown(r verify.Report) string {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	var b strings.Builder
	b.WriteString("# APK Verification Report\n\n")
	b.WriteString(fmt.Sprintf("- Status: **%s**\n", status))
	b.WriteString(fmt.Sprintf("- Exit Code: `%d`\n", r.ExitCode))
	b.WriteString(fmt.Sprintf("- Size: `%d`\n", r.Size))
	verified := "-"
	if len(r.Verified) > 0 {
		verified = strings.Join(r.Verified, ", ")
	}
	b.WriteString(fmt.Sprintf("- Verified Schemes: `%s`\n\n", verified))

	b.WriteString("## Checks\n\n")
	b.WriteString("| Scheme | Check | Passed | Message |\n")
	b.WriteString("|---|---|---:|---|\n")
	for _, c := range r.Checks {
		b.WriteString(fmt.Sprintf("| %s | %s | %t | %s |\n", c.Scheme, c.Check, c.Passed, cell(c.Message)))
	}

	if len(r.Violations) > 0 {
		b.WriteString("\n## Violations\n\n")
		for _, v := range r.Violations {
			b.WriteString("- " + v + "\n")
		}
	}

	if len(r.Signers) > 0 {
		b.WriteString("\n## Signers\n\n")
		b.WriteString("| Scheme | Subject | Algorithm | Certificate | SDK Range | Lineage |\n")
		b.WriteString("|---|---|---|---|---|---:|\n")
		for _, s := range r.Signers {
			sdk := "-"
			if s.MinSDK > 0 || s.MaxSDK > 0 {
				sdk = fmt.Sprintf("%d-%d", s.MinSDK, s.MaxSDK)
			}
			b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %d |\n", s.Scheme, cell(s.Subject), s.Algorithm, s.CertificateDigest, sdk, s.Lineage))
		}
	}
	return b.String()
}

func WriteMarkdown(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
