package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	ocitypes "github.com/google/go-containerregistry/pkg/v1/types"
)

const entryMediaType = ocitypes.MediaType("application/vnd.apkforge.cache.v1+zstd")

// OCIStore keeps each record as a one-layer image tagged with its key in
// Repository, for example ghcr.io/acme/apkforge-cache.
type OCIStore struct {
	Repository string
	Keychain   authn.Keychain
}

func (s OCIStore) ref(key string) (name.Reference, error) {
	ref, err := name.ParseReference(s.Repository+":"+key, name.WithDefaultRegistry("ghcr.io"))
	if err != nil {
		return nil, fmt.Errorf("parse oci ref: %w", err)
	}
	return ref, nil
}

func (s OCIStore) options(ctx context.Context) []remote.Option {
	kc := s.Keychain
	if kc == nil {
		kc = authn.DefaultKeychain
	}
	return []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(kc)}
}

func (s OCIStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ref, err := s.ref(key)
	if err != nil {
		return nil, false, err
	}
	img, err := remote.Image(ref, s.options(ctx)...)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pull cache entry: %w", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, false, fmt.Errorf("read layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, false, fmt.Errorf("cache image has no layers")
	}
	rc, err := layers[0].Uncompressed()
	if err != nil {
		return nil, false, fmt.Errorf("read layer payload: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, fmt.Errorf("read layer bytes: %w", err)
	}
	return raw, true, nil
}

func (s OCIStore) Put(ctx context.Context, key string, raw []byte) error {
	ref, err := s.ref(key)
	if err != nil {
		return err
	}
	img, err := mutate.AppendLayers(empty.Image, static.NewLayer(raw, entryMediaType))
	if err != nil {
		return fmt.Errorf("append layer: %w", err)
	}
	img = mutate.MediaType(img, ocitypes.OCIManifestSchema1)
	if err := remote.Write(ref, img, s.options(ctx)...); err != nil {
		return fmt.Errorf("push cache entry: %w", err)
	}
	return nil
}
