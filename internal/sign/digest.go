package sign

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const chunkSize = 1 << 20

// chunkedDigest computes the V2/V3 content digest: each region is split into
// 1 MiB chunks that never span two regions, every chunk is hashed as
// sha256(0xa5 || u32 len || chunk), and the top hash is
// sha256(0x5a || u32 count || chunk digests). Chunks are hashed in parallel.
func chunkedDigest(ctx context.Context, parallelism int, regions ...[]byte) ([]byte, error) {
	var chunks [][]byte
	for _, r := range regions {
		for off := 0; off < len(r); off += chunkSize {
			chunks = append(chunks, r[off:min(off+chunkSize, len(r))])
		}
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	digests := make([]byte, len(chunks)*sha256.Size)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, c := range chunks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h := sha256.New()
			var prefix [5]byte
			prefix[0] = 0xa5
			binary.LittleEndian.PutUint32(prefix[1:], uint32(len(c)))
			h.Write(prefix[:])
			h.Write(c)
			copy(digests[i*sha256.Size:], h.Sum(nil))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	top := sha256.New()
	var prefix [5]byte
	prefix[0] = 0x5a
	binary.LittleEndian.PutUint32(prefix[1:], uint32(len(chunks)))
	top.Write(prefix[:])
	top.Write(digests)
	return top.Sum(nil), nil
}
