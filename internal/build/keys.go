package build

import (
	"context"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/internal/credential"
	"github.com/ogulcanaydogan/apkforge/internal/keystore"
	"github.com/ogulcanaydogan/apkforge/internal/sign"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// SignLayout loads the keys named by cfg and signs l with them. layoutDigest
// may be empty.
func SignLayout(ctx context.Context, l archive.Layout, layoutDigest string, cfg types.SigningConfig, rv credential.Resolver) (*types.SignedPackage, error) {
	if err := cfg.Schemes.Validate(); err != nil {
		return nil, err
	}
	if cfg.AgeIdentity != "" {
		rv.AgeIdentity = cfg.AgeIdentity
	}
	key, err := loadKey(rv, cfg.KeyRef)
	if err != nil {
		return nil, err
	}
	lineage, err := loadLineage(rv, cfg.Rotation)
	if err != nil {
		return nil, err
	}
	return sign.Sign(ctx, sign.Request{
		Layout:       l,
		Schemes:      cfg.Schemes,
		Key:          key,
		Lineage:      lineage,
		LayoutDigest: layoutDigest,
	})
}

// loadKey resolves the credential for ref and opens its keystore. The key
// credential falls back to the store credential, and the secret is wiped as
// soon as the keystore is decoded.
func loadKey(rv credential.Resolver, ref types.KeyRef) (keystore.Key, error) {
	raw := ref.KeyCredential
	if raw == "" {
		raw = ref.Credential
	}
	cr, err := credential.ParseRef(raw)
	if err != nil {
		return keystore.Key{}, &types.Error{Kind: types.KindKeyUnavailable, KeyAlias: ref.KeyAlias, Path: ref.Keystore, Err: err}
	}
	secret, err := rv.Resolve(cr)
	if err != nil {
		return keystore.Key{}, &types.Error{Kind: types.KindKeyUnavailable, KeyAlias: ref.KeyAlias, Path: ref.Keystore, Err: err}
	}
	defer secret.Wipe()
	return keystore.Load(ref.Keystore, ref.KeyAlias, secret.Bytes())
}

func loadLineage(rv credential.Resolver, refs []types.KeyRef) ([]keystore.Key, error) {
	keys := make([]keystore.Key, 0, len(refs))
	for _, ref := range refs {
		k, err := loadKey(rv, ref)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
