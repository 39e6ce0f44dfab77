package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrSplit(t *testing.T) {
	name, adapter := Addr("file@server1-node1.file").Split()
	assert.Equal(t, "file", name)
	assert.Equal(t, "server1-node1.file", adapter)

	name, adapter = Addr("noAdapterHere").Split()
	assert.Equal(t, "noAdapterHere", name)
	assert.Equal(t, "", adapter)
}

func TestAddrIsGroup(t *testing.T) {
	assert.True(t, Addr("file@fileGroup").IsGroup())
	assert.False(t, Addr("file@server1-node1.file").IsGroup())
}
