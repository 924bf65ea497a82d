// Package registry tracks which connections belong to which broadcast groups.
//
// Groups are spread over lock shards keyed by a hash of the group identifier,
// so traffic on one group never serializes behind traffic on an unrelated one.
// A member's own group set lives in its Membership and is only mutated here.
// Lock order is always member, then shard.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/domain"
)

const DefaultShards = 32

// Member is anything that can join a group, in practice a connection.
type Member interface {
	ID() string
	Membership() *Membership
}

// Membership is the per-member half of the group index. The zero value is ready to use.
type Membership struct {
	mu     sync.Mutex
	groups map[string]struct{}
	sealed bool
}

// Sealed reports whether the member was purged and can no longer join groups.
func (ms *Membership) Sealed() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sealed
}

type shard struct {
	mu     sync.RWMutex
	groups map[string]map[string]Member
}

type Registry struct {
	shards  []*shard
	metrics *metrics.RealtimeMetrics

	groupCount atomic.Int64
	edgeCount  atomic.Int64
}

// New creates a registry with the given number of shards (at least one).
func New(shards int, m *metrics.RealtimeMetrics) *Registry {
	if shards < 1 {
		shards = 1
	}
	r := &Registry{shards: make([]*shard, shards), metrics: m}
	for i := range r.shards {
		r.shards[i] = &shard{groups: make(map[string]map[string]Member)}
	}
	return r
}

func (r *Registry) shardFor(group string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(group))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Add puts member into group. It reports whether a new edge was created and
// fails with domain.ErrTransportClosed once the member has been purged.
func (r *Registry) Add(member Member, group string) (bool, error) {
	ms := member.Membership()
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sealed {
		return false, domain.ErrTransportClosed
	}
	if _, ok := ms.groups[group]; ok {
		return false, nil
	}

	s := r.shardFor(group)
	s.mu.Lock()
	members, ok := s.groups[group]
	if !ok {
		members = make(map[string]Member)
		s.groups[group] = members
		r.groupCount.Add(1)
	}
	members[member.ID()] = member
	s.mu.Unlock()

	if ms.groups == nil {
		ms.groups = make(map[string]struct{})
	}
	ms.groups[group] = struct{}{}
	r.edgeCount.Add(1)
	r.observe()
	return true, nil
}

// Remove takes member out of group. Removing an edge that does not exist is a no-op.
func (r *Registry) Remove(member Member, group string) bool {
	ms := member.Membership()
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.groups[group]; !ok {
		return false
	}
	delete(ms.groups, group)
	r.detach(member.ID(), group)
	r.observe()
	return true
}

// RemoveAll seals member and removes it from every group it belongs to.
// It returns the groups that were left. Calling it again returns nil.
func (r *Registry) RemoveAll(member Member) []string {
	ms := member.Membership()
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.sealed = true
	if len(ms.groups) == 0 {
		return nil
	}

	left := make([]string, 0, len(ms.groups))
	for group := range ms.groups {
		r.detach(member.ID(), group)
		left = append(left, group)
	}
	ms.groups = nil
	r.observe()

	sort.Strings(left)
	return left
}

// detach removes one edge from its shard and collects the group when it becomes empty.
// Callers hold the member's lock.
func (r *Registry) detach(memberID, group string) {
	s := r.shardFor(group)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[group]
	if !ok {
		return
	}
	if _, ok := members[memberID]; !ok {
		return
	}
	delete(members, memberID)
	r.edgeCount.Add(-1)
	if len(members) == 0 {
		delete(s.groups, group)
		r.groupCount.Add(-1)
	}
}

// Members returns a snapshot of the members of group.
func (r *Registry) Members(group string) []Member {
	s := r.shardFor(group)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.groups[group]
	if len(members) == 0 {
		return nil
	}
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// Groups returns the sorted groups member currently belongs to.
func (r *Registry) Groups(member Member) []string {
	ms := member.Membership()
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]string, 0, len(ms.groups))
	for group := range ms.groups {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether member belongs to group.
func (r *Registry) Contains(member Member, group string) bool {
	ms := member.Membership()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.groups[group]
	return ok
}

// MemberCount returns the number of members of group.
func (r *Registry) MemberCount(group string) int {
	s := r.shardFor(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[group])
}

// GroupCount returns the number of non-empty groups.
func (r *Registry) GroupCount() int {
	return int(r.groupCount.Load())
}

// EdgeCount returns the number of member to group edges.
func (r *Registry) EdgeCount() int {
	return int(r.edgeCount.Load())
}

func (r *Registry) observe() {
	if r.metrics == nil {
		return
	}
	r.metrics.Groups.Set(float64(r.groupCount.Load()))
	r.metrics.Subscriptions.Set(float64(r.edgeCount.Load()))
}
