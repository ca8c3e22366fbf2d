package verify

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zip"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

type Options struct {
	// Require lists schemes that must be present. Schemes that are present
	// but not required are verified as well.
	Require types.SchemeSet
	// V4Signature is the detached .idsig, if any.
	V4Signature []byte
}

// Package verifies apk without trusting anything the signer recorded about
// it: digests are recomputed from the bytes and every signature is checked
// against the certificate it carries.
func Package(apk []byte, opts Options) Report {
	report := Report{Passed: true, ExitCode: ExitPass, Size: int64(len(apk))}

	z, err := locateEOCD(apk)
	if err != nil {
		report.addFailure("zip", "container", ExitFormatFail, err)
		return report
	}
	var block signingBlock
	var hasBlock bool
	switch block, err = locateSigningBlock(apk, z); {
	case err == nil:
		hasBlock = true
	case !errors.Is(err, errNoSigningBlock):
		report.addFailure("v2", "signing_block", ExitFormatFail, err)
	}
	_, hasV2 := block.pairs[idV2]
	_, hasV3 := block.pairs[idV3]

	present := types.SchemeSet(0)
	layout, err := archive.Read(apk)
	switch {
	case err == nil:
		if hasJARSignature(layout) {
			present |= types.SchemeSet(types.SchemeV1)
		}
	case errors.Is(err, zip.ErrChecksum):
		report.addFailure("zip", "entries", ExitDigestMismatch, err)
	default:
		report.addFailure("zip", "entries", ExitFormatFail, err)
	}
	if hasV2 {
		present |= types.SchemeSet(types.SchemeV2)
	}
	if hasV3 {
		present |= types.SchemeSet(types.SchemeV3)
	}
	if len(opts.V4Signature) > 0 {
		present |= types.SchemeSet(types.SchemeV4)
	}
	for _, s := range opts.Require.List() {
		if !present.Has(s) {
			report.addFailure(s.String(), "presence", ExitMissing, fmt.Errorf("no %s signature found", s))
		}
	}
	if present.Empty() && opts.Require.Empty() {
		report.addFailure("apk", "presence", ExitMissing, fmt.Errorf("package carries no signature"))
	}

	var digest []byte
	if hasBlock {
		digest = contentDigest(apk, z, block.start)
	}

	var v2, v3 []containerSigner
	if hasV2 {
		v2 = report.container("v2", block.pairs[idV2], false, digest)
		for _, s := range v2 {
			if val, ok := s.attrs[attrStrippingProtection]; ok && len(val) >= 4 && !hasV3 {
				report.addFailure("v2", "stripping_protection", ExitDowngrade,
					fmt.Errorf("signer declares scheme %d but no such signature is present", le32(val)))
			}
		}
	}
	if hasV3 {
		v3 = report.container("v3", block.pairs[idV3], true, digest)
	}
	if len(v2) > 0 && len(v3) > 0 {
		if !v3Covers(v3[0], v2[0]) {
			report.addFailure("v3", "signer_consistency", ExitSignatureFail,
				fmt.Errorf("v3 signer is neither the v2 signer nor rotated from it"))
		}
	}

	if present.Has(types.SchemeV1) {
		signers, err := verifyJAR(layout)
		if err != nil {
			report.addFailure("v1", "jar_signature", exitFor(err), err)
		} else {
			report.pass("v1", "jar_signature")
			for _, s := range signers {
				report.Signers = append(report.Signers, SignerSummary{
					Scheme:            "v1",
					Subject:           subjectOf(s.cert),
					CertificateDigest: certDigest(s.cert),
					Algorithm:         algorithmName(s.alg),
				})
				for _, id := range s.apkSigned {
					if (id == 2 && !hasV2) || (id == 3 && !hasV3) {
						report.addFailure("v1", "downgrade", ExitDowngrade,
							fmt.Errorf("%s declares scheme v%d but no such signature is present", s.name, id))
					}
				}
				if len(v2) > 0 && !bytes.Equal(s.cert.Raw, v2[0].cert.Raw) {
					report.addFailure("v1", "signer_consistency", ExitSignatureFail,
						fmt.Errorf("v1 and v2 signers differ"))
				}
			}
		}
	}

	if present.Has(types.SchemeV4) {
		want := digest
		if !hasV2 && !hasV3 {
			sum := sha256.Sum256(apk)
			want = sum[:]
		}
		s, err := verifyV4(apk, opts.V4Signature, want)
		if err != nil {
			report.addFailure("v4", "incremental_signature", exitFor(err), err)
		} else {
			report.pass("v4", "incremental_signature")
			report.Signers = append(report.Signers, SignerSummary{
				Scheme:            "v4",
				Subject:           subjectOf(s.cert),
				CertificateDigest: certDigest(s.cert),
				Algorithm:         algorithmName(s.alg),
			})
		}
	}

	for _, s := range present.List() {
		if !report.failed(s.String()) {
			report.Verified = append(report.Verified, s.String())
		}
	}
	return report
}

func (r *Report) container(scheme string, value []byte, v3 bool, digest []byte) []containerSigner {
	signers, err := verifySigners(value, v3, digest)
	if err != nil {
		r.addFailure(scheme, "block_signature", exitFor(err), err)
		return nil
	}
	r.pass(scheme, "block_signature")
	for _, s := range signers {
		sum := SignerSummary{
			Scheme:            scheme,
			Subject:           subjectOf(s.cert),
			CertificateDigest: certDigest(s.cert),
			Algorithm:         algorithmName(s.alg),
			Lineage:           len(s.lineage),
		}
		if v3 {
			sum.MinSDK, sum.MaxSDK = int(s.minSDK), int(s.maxSDK)
		}
		r.Signers = append(r.Signers, sum)
	}
	return signers
}

// v3Covers reports whether the V3 signer is the V2 signer or descends from
// it through the proof-of-rotation chain.
func v3Covers(v3, v2 containerSigner) bool {
	if bytes.Equal(v3.cert.Raw, v2.cert.Raw) {
		return true
	}
	for _, c := range v3.lineage {
		if bytes.Equal(c.Raw, v2.cert.Raw) {
			return true
		}
	}
	return false
}

func exitFor(err error) int {
	var d errDigest
	if errors.As(err, &d) {
		return ExitDigestMismatch
	}
	return ExitSignatureFail
}

func le32(b []byte) uint32 {
	r := &leReader{b: b}
	return r.u32()
}

func (r *Report) pass(scheme, check string) {
	r.Checks = append(r.Checks, CheckResult{Scheme: scheme, Check: check, Passed: true, Message: "ok"})
}

func (r *Report) failed(scheme string) bool {
	for _, c := range r.Checks {
		if c.Scheme == scheme && !c.Passed {
			return true
		}
	}
	return false
}

func (r *Report) addFailure(scheme, check string, exit int, err error) {
	r.Passed = false
	if r.ExitCode == ExitPass || exit > r.ExitCode {
		r.ExitCode = exit
	}
	msg := err.Error()
	r.Checks = append(r.Checks, CheckResult{Scheme: scheme, Check: check, Passed: false, Message: msg})
	r.Violations = append(r.Violations, fmt.Sprintf("%s %s: %s", scheme, check, msg))
}
