package digest

import (
	"sync"

	sha256tree "github.com/buildbarn/go-sha256tree"

	"github.com/forgebuild/forge/internal/model"
)

// bridgeCapacity bounds how many translations a single Bridge remembers
// before it starts evicting the oldest entries. The original's
// GitHashesConverter was an unbounded, process-wide singleton that the
// spec's design notes (§9) flag as a possible cross-invocation memory leak;
// ours is both per-Context (so it dies with the invocation) and bounded.
const bridgeCapacity = 65536

// A Bridge translates between a native-mode (git SHA1) tree digest and its
// compatible-mode (SHA256) equivalent, used only by the serve client when
// resolving a git commit tree against a compatible-mode remote (spec §4.10,
// §9 Open Questions).
type Bridge struct {
	mu      sync.Mutex
	toComp  map[string]model.Digest
	toNative map[string]model.Digest
	order   []string
}

func newBridge() *Bridge {
	return &Bridge{
		toComp:   make(map[string]model.Digest),
		toNative: make(map[string]model.Digest),
	}
}

// Record stores a (native, compatible) digest pair for later translation in
// either direction.
func (b *Bridge) Record(native, compatible model.Digest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, present := b.toComp[native.Hash]; !present {
		b.order = append(b.order, native.Hash)
		if len(b.order) > bridgeCapacity {
			oldest := b.order[0]
			b.order = b.order[1:]
			if d, ok := b.toComp[oldest]; ok {
				delete(b.toNative, d.Hash)
			}
			delete(b.toComp, oldest)
		}
	}
	b.toComp[native.Hash] = compatible
	b.toNative[compatible.Hash] = native
}

// ToCompatible returns the compatible-mode digest previously recorded for a
// native-mode digest, if any.
func (b *Bridge) ToCompatible(native model.Digest) (model.Digest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.toComp[native.Hash]
	return d, ok
}

// ToNative is the inverse of ToCompatible.
func (b *Bridge) ToNative(compatible model.Digest) (model.Digest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.toNative[compatible.Hash]
	return d, ok
}

// RecomputeCompatible derives the compatible-mode tree digest for a native
// git tree payload directly, without needing a prior Record call, using the
// same git-object framing SHA256 would produce. This lets the serve client
// bridge a freshly-fetched git tree to a compatible-mode remote the first
// time it is seen.
func RecomputeCompatible(gitTreePayload []byte) model.Digest {
	sum := sha256tree.SumTree(gitTreePayload)
	return model.Digest{Hash: hexEncode(sum[:]), SizeBytes: int64(len(gitTreePayload))}
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
