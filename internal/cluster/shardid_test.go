package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBitsLength(t *testing.T) {
	for _, key := range []string{"", "fred", "barney", "wilma", "a-much-longer-key-than-the-rest"} {
		bits := HashBits(key)
		require.Len(t, bits, 8, "key %q", key)
		for _, c := range bits {
			assert.True(t, c == '0' || c == '1')
		}
	}
}

func TestHashBitsDeterministic(t *testing.T) {
	assert.Equal(t, HashBits("fred"), HashBits("fred"))
}

func TestShardIDOwns(t *testing.T) {
	tests := []struct {
		name string
		id   ShardID
		bits string
		want bool
	}{
		{"empty shard owns everything", "", "10110010", true},
		{"matching prefix", "10", "10110010", true},
		{"mismatched prefix", "11", "10110010", false},
		{"longer than bits", "101100101", "10110010", false},
		{"exact match", "10110010", "10110010", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.Owns(tt.bits))
		})
	}
}

// TestShardCover exercises the "shard cover" testable property of spec §8:
// every 8-bit hash value is a prefix of exactly one known shard, for a
// shard set that actually partitions the space.
func TestShardCover(t *testing.T) {
	known := []ShardID{"0", "10", "11"}
	for i := 0; i < 256; i++ {
		bits := byteBits(byte(i))
		matches := 0
		for _, s := range known {
			if s.Owns(bits) {
				matches++
			}
		}
		require.Equal(t, 1, matches, "bits=%s", bits)
	}
}

func byteBits(b byte) string {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		if b&(1<<uint(i)) != 0 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}

func TestShardForPrefersShortestMatch(t *testing.T) {
	// Construct a known set containing both a shard and one of its
	// children, simulating a split in progress; ShardFor must still
	// resolve to a single shard using the shortest-prefix rule.
	// "wilma" hashes to bits "10000000", so both "1" and "10" own it.
	known := []ShardID{"1", "10"}
	got, ok := ShardFor("wilma", known)
	require.True(t, ok)
	assert.Equal(t, ShardID("1"), got)
}

func TestShardForEmptyShardAlwaysMatches(t *testing.T) {
	got, ok := ShardFor("anything", []ShardID{""})
	require.True(t, ok)
	assert.Equal(t, ShardID(""), got)
}
