package commandbus

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// hashKey maps a routing key onto the ring.
func hashKey(key string) uint64 {
	var sum = md5.Sum([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// hashNodePosition calculates the deterministic ring position of a member's segment.
// Every member computes the same positions for the same name, which keeps routing
// identical across the cluster.
func hashNodePosition(name string, segment int) uint64 {
	return hashKey(fmt.Sprintf("%s #%d", name, segment))
}
