package overlay

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// contentDomainKey separates content hashes from any other BLAKE3 use.
// ASCII "apppack.overlay.content", zero-padded to 32 bytes.
var contentDomainKey = [32]byte{
	'a', 'p', 'p', 'p', 'a', 'c', 'k', '.', 'o', 'v', 'e', 'r', 'l', 'a', 'y', '.',
	'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func newHasher() *blake3.Hasher {
	h, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		panic("overlay: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// ContentHash digests the bytes of every application asset. Entry order and
// paths do not contribute; any byte change does. Runtime distribution
// entries are excluded because they are cached separately.
func ContentHash(assets []domain.StagedAsset) string {
	h := newHasher()
	digests := make([][]byte, 0, len(assets))
	for _, a := range assets {
		if strings.HasPrefix(a.Path, domain.NamespaceRuntime) {
			continue
		}
		h.Reset()
		h.Write(a.Data)
		digests = append(digests, h.Sum(nil))
	}
	sort.Slice(digests, func(i, j int) bool {
		return bytes.Compare(digests[i], digests[j]) < 0
	})

	h.Reset()
	for _, d := range digests {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}
