package cluster

import "hash/fnv"

// ShardID is a bit-string of 0..8 characters, each '0' or '1' (spec §3).
// The empty shard "" matches every key. Shards partition the key space by
// prefix: key k belongs to shard s iff s is a prefix of HashBits(k).
type ShardID string

// HashBits returns the little-endian bit-string of an 8-bit FNV-1a hash of
// key, e.g. a key hashing to 0b01101001 yields "10010110" (bit 0 first).
// This is the canonical hash used to route a key to its owning shard.
func HashBits(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	sum := byte(h.Sum32())

	bits := make([]byte, 8)
	for i := 0; i < 8; i++ {
		if sum&(1<<uint(i)) != 0 {
			bits[i] = '1'
		} else {
			bits[i] = '0'
		}
	}
	return string(bits)
}

// Owns reports whether shard id s is a prefix of bits, i.e. whether s is
// the (or a) shard that bits's key could belong to.
func (s ShardID) Owns(bits string) bool {
	id := string(s)
	if len(id) > len(bits) {
		return false
	}
	return bits[:len(id)] == id
}

// ShardFor returns the shortest prefix of key's hash bits that matches a
// known shard id (spec §4.8: "find the shortest prefix that matches a
// known shard"). Because shards partition the key space, at most one
// prefix length should ever match in a consistent shard set; scanning
// shortest-first also does the right thing transiently, while a split is
// in flight and both a shard and its children are momentarily known.
// Returns ("", false) if no prefix of bits names a known shard.
func ShardFor(key string, known []ShardID) (ShardID, bool) {
	set := make(map[ShardID]struct{}, len(known))
	for _, s := range known {
		set[s] = struct{}{}
	}

	bits := HashBits(key)
	for n := 0; n <= len(bits); n++ {
		candidate := ShardID(bits[:n])
		if _, ok := set[candidate]; ok {
			return candidate, true
		}
	}
	return "", false
}
