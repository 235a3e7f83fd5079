package chain

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Shard is an index in the preshard address space.
type Shard uint16

// ShardGroup is an inclusive range of shards packed into 32 bits: the start
// shard in the high half and the end shard in the low half.
type ShardGroup uint32

// NewShardGroup ...
func NewShardGroup(start, end Shard) ShardGroup {
	return ShardGroup(uint32(start)<<16 | uint32(end))
}

// Start ...
func (sg ShardGroup) Start() Shard { return Shard(uint32(sg) >> 16) }

// End ...
func (sg ShardGroup) End() Shard { return Shard(uint32(sg) & 0xffff) }

// Contains reports whether the shard is in the group's range.
func (sg ShardGroup) Contains(s Shard) bool {
	return s >= sg.Start() && s <= sg.End()
}

// Len is the number of shards in the group.
func (sg ShardGroup) Len() int {
	return int(sg.End()) - int(sg.Start()) + 1
}

// String ...
func (sg ShardGroup) String() string {
	return fmt.Sprintf("%d-%d", sg.Start(), sg.End())
}

// ParseShardGroup parses the "start-end" form produced by String.
func ParseShardGroup(s string) (ShardGroup, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid shard group %q", s)
	}
	start, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid shard group start: %v", err)
	}
	end, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid shard group end: %v", err)
	}
	if end < start {
		return 0, fmt.Errorf("invalid shard group %q: end before start", s)
	}
	return NewShardGroup(Shard(start), Shard(end)), nil
}

// ShardOf maps a substate to its shard given the number of preshards.
func ShardOf(id SubstateID, numPreshards uint32) Shard {
	if numPreshards == 0 {
		return 0
	}
	prefix := uint32(binary.BigEndian.Uint16(id[:2]))
	return Shard(prefix * numPreshards >> 16)
}

// ShardGroupSet is a sorted list of distinct shard groups.
type ShardGroupSet []ShardGroup

// Add inserts sg, keeping the set sorted.
func (s ShardGroupSet) Add(sg ShardGroup) ShardGroupSet {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= sg })
	if i < len(s) && s[i] == sg {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = sg
	return s
}

// Contains ...
func (s ShardGroupSet) Contains(sg ShardGroup) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= sg })
	return i < len(s) && s[i] == sg
}
