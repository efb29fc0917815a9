// Package ring implements a consistent-hash placement structure. A ring
// maps an ActorKey's fingerprint to an owning silo-id using virtual nodes
// to bound placement skew on membership change.
//
// Reads must be lock-free and wait-free after a snapshot is published;
// writers replace the whole snapshot atomically on every membership
// change. This is shared global state with a single writer and atomic
// snapshot publication: atomic.Pointer rather than a mutex, so Owner()
// never blocks a hot-path caller behind a membership-change writer.
package ring

import (
	"hash/fnv"
	"sort"
	"sync/atomic"
)

// DefaultVirtualNodes is the per-silo virtual-node count used when none is
// specified; 150 is a typical value for this kind of ring.
const DefaultVirtualNodes = 150

// vnode is one position on the ring.
type vnode struct {
	hash   uint32
	siloID string
}

// snapshot is the immutable, fully-built ring for one membership view. It is
// never mutated after construction; a membership change builds a brand new
// snapshot and swaps the pointer.
type snapshot struct {
	vnodes []vnode
	silos  map[string]struct{}
}

// ownerFor walks the sorted vnode slice to find the first position at or
// after key's hash, wrapping around to index 0 (the classic consistent-hash
// ring walk).
func (s *snapshot) ownerFor(key string) (string, bool) {
	if len(s.vnodes) == 0 {
		return "", false
	}

	h := hashKey(key)
	idx := sort.Search(len(s.vnodes), func(i int) bool {
		return s.vnodes[i].hash >= h
	})
	if idx == len(s.vnodes) {
		idx = 0
	}

	return s.vnodes[idx].siloID, true
}

// Ring is a lock-free-reads consistent hash ring. The zero value is not
// usable; construct with New.
type Ring struct {
	virtualNodes int
	current      atomic.Pointer[snapshot]
}

// New creates an empty Ring with the given virtual-node count per silo. A
// non-positive count falls back to DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	r := &Ring{virtualNodes: virtualNodes}
	r.current.Store(&snapshot{silos: map[string]struct{}{}})

	return r
}

// hashKey computes a fast, uniform, non-cryptographic 32-bit hash, favoring
// throughput over cryptographic strength on the placement hot path: 64-bit
// FNV-1a followed by the MurmurHash3 64-bit finalizer, keeping the low 32
// bits. FNV-1a alone spreads short, similar inputs such as "silo-a#0",
// "silo-a#1", ... unevenly around the ring; the finalizer mixes every input
// bit into the result. No pack example ships a dedicated hash-ring library,
// so this one case is built on the standard library by necessity (see
// DESIGN.md).
func hashKey(s string) uint32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))

	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return uint32(x)
}

// Rebuild replaces the ring's snapshot with one built from the given set of
// active silo IDs. This is the only write path; it is called by the
// membership watcher whenever the active set changes: writers replace the
// ring atomically per membership change. Rebuild is safe to call
// concurrently with itself and with Owner; the last writer to complete
// its atomic.Store wins, which is acceptable because membership changes
// are already only eventually consistent.
func (r *Ring) Rebuild(siloIDs []string) {
	vnodes := make([]vnode, 0, len(siloIDs)*r.virtualNodes)
	silos := make(map[string]struct{}, len(siloIDs))

	for _, id := range siloIDs {
		silos[id] = struct{}{}

		for v := 0; v < r.virtualNodes; v++ {
			fp := ringFingerprint(id, v)
			vnodes = append(vnodes, vnode{
				hash:   hashKey(fp),
				siloID: id,
			})
		}
	}

	sort.Slice(vnodes, func(i, j int) bool {
		return vnodes[i].hash < vnodes[j].hash
	})

	r.current.Store(&snapshot{vnodes: vnodes, silos: silos})
}

// ringFingerprint derives the string hashed for the v-th virtual node of a
// silo. Including the index in the fingerprint spreads each silo's virtual
// nodes across the ring instead of clustering them.
func ringFingerprint(siloID string, v int) string {
	// Deliberately simple concatenation: the virtual-node index only
	// needs to perturb the hash, not be parsed back out.
	buf := make([]byte, 0, len(siloID)+8)
	buf = append(buf, siloID...)
	buf = append(buf, '#')
	buf = appendUint(buf, uint64(v))
	return string(buf)
}

func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

// Owner returns the silo-id that owns the given fingerprint under the
// current snapshot, or ok=false if the ring has never been built (no silos
// known yet). Owner is lock-free: it loads the current snapshot pointer once
// and walks its immutable vnode slice.
func (r *Ring) Owner(fingerprint string) (siloID string, ok bool) {
	snap := r.current.Load()
	return snap.ownerFor(fingerprint)
}

// Has reports whether siloID is part of the current membership snapshot
// used for placement.
func (r *Ring) Has(siloID string) bool {
	snap := r.current.Load()
	_, ok := snap.silos[siloID]
	return ok
}

// Silos returns the set of silo-ids in the current snapshot, order
// unspecified.
func (r *Ring) Silos() []string {
	snap := r.current.Load()
	out := make([]string, 0, len(snap.silos))
	for id := range snap.silos {
		out = append(out, id)
	}
	return out
}
