package sign

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/keystore"
	"github.com/ogulcanaydogan/apkforge/internal/verify"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

type Request struct {
	Layout  archive.Layout
	Schemes types.SchemeSet
	Key     keystore.Key
	// Lineage holds previous signing keys, oldest first. It only affects V3.
	Lineage []keystore.Key
	// LayoutDigest may carry the digest the merger already computed.
	LayoutDigest string
	// Parallelism bounds chunk hashing; zero means GOMAXPROCS.
	Parallelism int
}

// selfCheckFunc verifies freshly produced bytes before they are reported.
var selfCheckFunc = func(apk, idsig []byte, schemes types.SchemeSet) error {
	r := verify.Package(apk, verify.Options{Require: schemes, V4Signature: idsig})
	if !r.Passed {
		return fmt.Errorf("%s", strings.Join(r.Violations, "; "))
	}
	return nil
}

// Sign applies every scheme in req.Schemes to req.Layout. V1 entries are
// appended after the layout, the V2/V3 signing block is inserted before the
// central directory, and V4 is computed last over the final bytes.
func Sign(ctx context.Context, req Request) (*types.SignedPackage, error) {
	if err := req.Schemes.Validate(); err != nil {
		return nil, err
	}
	key := req.Key
	if key.Signer == nil || key.Certificate == nil {
		return nil, &types.Error{Kind: types.KindKeyUnavailable, KeyAlias: key.Alias, Err: fmt.Errorf("no signing key loaded")}
	}
	alg, err := algorithmFor(key.Signer.Public())
	if err != nil {
		return nil, withAlias(err, key.Alias)
	}
	if !bytes.Equal(publicKeyDER(key), key.Certificate.RawSubjectPublicKeyInfo) {
		return nil, &types.Error{Kind: types.KindKeyUnavailable, KeyAlias: key.Alias, Err: fmt.Errorf("certificate does not match private key")}
	}

	layoutDigest := req.LayoutDigest
	if layoutDigest == "" {
		if layoutDigest, err = archive.Digest(req.Layout); err != nil {
			return nil, err
		}
	}

	layout := req.Layout.Without(IsSignatureFile)
	if req.Schemes.Has(types.SchemeV1) {
		entries, err := v1Entries(layout, key, alg, req.Schemes)
		if err != nil {
			return nil, withAlias(err, key.Alias)
		}
		layout = layout.With(entries...)
	}
	apk, err := archive.Encode(layout)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkg := &types.SignedPackage{Schemes: req.Schemes, LayoutDigest: layoutDigest, SigningBlockOffset: -1, CertificateDigest: key.CertificateDigest()}
	var contentDigest []byte
	if req.Schemes.Has(types.SchemeV2) || req.Schemes.Has(types.SchemeV3) {
		apk, contentDigest, pkg.SigningBlockOffset, err = insertSigningBlock(ctx, apk, req, alg)
		if err != nil {
			return nil, err
		}
	}

	// A V4-only package has no container signature to check here; the .idsig
	// check below covers it.
	if containerSchemes := req.Schemes &^ types.SchemeSet(types.SchemeV4); !containerSchemes.Empty() {
		if err := selfCheckFunc(apk, nil, containerSchemes); err != nil {
			return nil, &types.Error{Kind: types.KindDigestMismatchOnSelfCheck, KeyAlias: key.Alias, Err: err}
		}
	}

	if req.Schemes.Has(types.SchemeV4) {
		apkDigest := contentDigest
		if apkDigest == nil {
			sum := sha256.Sum256(apk)
			apkDigest = sum[:]
		}
		idsig, err := v4Signature(apk, key, alg, apkDigest)
		if err != nil {
			return nil, withAlias(err, key.Alias)
		}
		if err := selfCheckFunc(apk, idsig, types.NewSchemeSet(types.SchemeV4)); err != nil {
			return nil, &types.Error{Kind: types.KindDigestMismatchOnSelfCheck, KeyAlias: key.Alias, Err: err}
		}
		pkg.V4Signature = idsig
	}

	pkg.Bytes = apk
	pkg.Size = int64(len(apk))
	pkg.Digest = hash.DigestBytes(apk)
	return pkg, nil
}

func insertSigningBlock(ctx context.Context, apk []byte, req Request, alg uint32) ([]byte, []byte, int64, error) {
	s, err := archive.SplitSections(apk)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("split archive: %w", err)
	}
	entries := apk[:s.CDOffset]
	cd := apk[s.CDOffset:s.EOCDOffset]
	eocd := apk[s.EOCDOffset:]

	// The block will start where the central directory starts now, which is
	// exactly the offset the digested EOCD must carry.
	digest, err := chunkedDigest(ctx, req.Parallelism, entries, cd, archive.WithCDOffset(eocd, uint32(s.CDOffset)))
	if err != nil {
		return nil, nil, 0, err
	}

	var pairs []pair
	if req.Schemes.Has(types.SchemeV2) {
		v, err := v2Signers(req.Key, alg, digest, req.Schemes.Has(types.SchemeV3))
		if err != nil {
			return nil, nil, 0, withAlias(err, req.Key.Alias)
		}
		pairs = append(pairs, pair{id: blockIDV2, value: v})
	}
	if req.Schemes.Has(types.SchemeV3) {
		var lineage []byte
		if len(req.Lineage) > 0 {
			chain := append(append([]keystore.Key(nil), req.Lineage...), req.Key)
			if lineage, err = encodeLineage(chain); err != nil {
				return nil, nil, 0, withAlias(err, req.Key.Alias)
			}
		}
		v, err := v3Signers(req.Key, alg, digest, lineage)
		if err != nil {
			return nil, nil, 0, withAlias(err, req.Key.Alias)
		}
		pairs = append(pairs, pair{id: blockIDV3, value: v})
	}

	block := signingBlock(pairs)
	out := make([]byte, 0, len(apk)+len(block))
	out = append(out, entries...)
	out = append(out, block...)
	out = append(out, cd...)
	out = append(out, archive.WithCDOffset(eocd, uint32(s.CDOffset)+uint32(len(block)))...)
	return out, digest, s.CDOffset, nil
}

func publicKeyDER(k keystore.Key) []byte {
	der, err := x509.MarshalPKIXPublicKey(k.Signer.Public())
	if err != nil {
		return nil
	}
	return der
}

func withAlias(err error, alias string) error {
	if te, ok := types.AsError(err); ok && te.KeyAlias == "" {
		te.KeyAlias = alias
	}
	return err
}
