package commandbus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ConsistentHash is an immutable consistent hash ring mapping routing keys to member names.
// Every member holding an equal ring resolves a given key to the same member name.
type ConsistentHash struct {
	members map[string]int // member name -> load factor
	vnodes  []vnode        // sorted by position, then member name
}

// EmptyRing returns a ring without members.
func EmptyRing() *ConsistentHash {
	return &ConsistentHash{
		members: make(map[string]int),
		vnodes:  make([]vnode, 0),
	}
}

// WithAdditionalNode returns a ring that contains all members of this ring plus the given member
// occupying loadFactor segments. A member already on the ring has its segments replaced.
// A non-positive load factor registers the member without any segments.
func (r *ConsistentHash) WithAdditionalNode(name string, loadFactor int) *ConsistentHash {
	if loadFactor < 0 {
		loadFactor = 0
	}

	var members = make(map[string]int, len(r.members)+1)
	for member, lf := range r.members {
		members[member] = lf
	}
	members[name] = loadFactor

	var vnodes = make([]vnode, 0, len(r.vnodes)+loadFactor)
	for _, v := range r.vnodes {
		if v.Member != name {
			vnodes = append(vnodes, v)
		}
	}
	for i := range loadFactor {
		vnodes = append(vnodes, vnode{
			Position: hashNodePosition(name, i),
			Member:   name,
			Segment:  i,
		})
	}
	sortVNodes(vnodes)

	return &ConsistentHash{members: members, vnodes: vnodes}
}

// WithExclusively returns a ring that only retains the members named in names.
// Retained members keep their segments. Names unknown to this ring are ignored.
func (r *ConsistentHash) WithExclusively(names []string) *ConsistentHash {
	var keep = make(map[string]struct{}, len(names))
	for _, name := range names {
		keep[name] = struct{}{}
	}

	var members = make(map[string]int, len(r.members))
	for member, lf := range r.members {
		if _, ok := keep[member]; ok {
			members[member] = lf
		}
	}
	if len(members) == len(r.members) {
		return r
	}

	var vnodes = make([]vnode, 0, len(r.vnodes))
	for _, v := range r.vnodes {
		if _, ok := members[v.Member]; ok {
			vnodes = append(vnodes, v)
		}
	}

	return &ConsistentHash{members: members, vnodes: vnodes}
}

// NodeName returns the member owning routingKey.
// It returns false when no member holds any segment.
func (r *ConsistentHash) NodeName(routingKey string) (string, bool) {
	if len(r.vnodes) == 0 {
		return "", false
	}

	var (
		hash = hashKey(routingKey)
		idx  = sort.Search(len(r.vnodes), func(i int) bool {
			return r.vnodes[i].Position >= hash
		})
	)

	// Wrap around to the first segment
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].Member, true
}

// Equal reports whether both rings hold the same segments with the same owners,
// and therefore route every key identically.
func (r *ConsistentHash) Equal(other *ConsistentHash) bool {
	if r == other {
		return true
	}
	if r == nil || other == nil {
		return false
	}
	if len(r.vnodes) != len(other.vnodes) {
		return false
	}
	for i := range r.vnodes {
		if r.vnodes[i].Position != other.vnodes[i].Position || r.vnodes[i].Member != other.vnodes[i].Member {
			return false
		}
	}
	return true
}

// identical reports whether both rings also agree on members without segments.
func (r *ConsistentHash) identical(other *ConsistentHash) bool {
	if !r.Equal(other) || len(r.members) != len(other.members) {
		return false
	}
	for name, lf := range r.members {
		if olf, ok := other.members[name]; !ok || olf != lf {
			return false
		}
	}
	return true
}

// Contains reports whether the named member is on the ring.
func (r *ConsistentHash) Contains(name string) bool {
	var _, ok = r.members[name]
	return ok
}

// Members returns the ring members ordered by name.
func (r *ConsistentHash) Members() []RingMember {
	var members = make([]RingMember, 0, len(r.members))
	for name, lf := range r.members {
		members = append(members, RingMember{Name: name, LoadFactor: lf})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Name < members[j].Name
	})
	return members
}

// Len returns the number of members on the ring.
func (r *ConsistentHash) Len() int {
	return len(r.members)
}

// MarshalBinary encodes the ring membership for state transfer.
// Segment positions are not encoded; they are recomputed from names and load factors.
func (r *ConsistentHash) MarshalBinary() ([]byte, error) {
	var data, err = cbor.Marshal(ringSnapshot{Members: r.Members()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ring: %w", err)
	}
	return data, nil
}

// DecodeRing rebuilds a ring from the output of MarshalBinary.
func DecodeRing(data []byte) (*ConsistentHash, error) {
	var snapshot ringSnapshot
	if err := cbor.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode ring: %w", err)
	}

	var ring = EmptyRing()
	for _, member := range snapshot.Members {
		ring = ring.WithAdditionalNode(member.Name, member.LoadFactor)
	}
	return ring, nil
}

// String returns a visual representation of the ring.
func (r *ConsistentHash) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Members: %d | Segments: %d\n", len(r.members), len(r.vnodes)))

	if len(r.vnodes) == 0 {
		b.WriteString("\n[Empty Ring]\n")
		return b.String()
	}

	var share = make(map[string]uint64, len(r.members))
	for i, v := range r.vnodes {
		// Each segment owns the range from the previous position (exclusive) to its own (inclusive)
		var prev uint64
		if i == 0 {
			prev = r.vnodes[len(r.vnodes)-1].Position
		} else {
			prev = r.vnodes[i-1].Position
		}
		share[v.Member] += v.Position - prev
	}
	if len(r.vnodes) == 1 {
		share[r.vnodes[0].Member] = ^uint64(0)
	}

	b.WriteString("\nRing Members:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")
	for _, member := range r.Members() {
		var pct = float64(share[member.Name]) / float64(^uint64(0)) * 100
		b.WriteString(fmt.Sprintf("│ %-25s  load factor: %-5d  share: %6.2f%%\n",
			member.Name, member.LoadFactor, pct))
	}
	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	return b.String()
}

func sortVNodes(vnodes []vnode) {
	sort.Slice(vnodes, func(i, j int) bool {
		if vnodes[i].Position != vnodes[j].Position {
			return vnodes[i].Position < vnodes[j].Position
		}
		return vnodes[i].Member < vnodes[j].Member
	})
}
