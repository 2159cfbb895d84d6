// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blockstore

import (
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Fabric is an in-memory "cluster" of block-store nodes sharing one address
// space, one node per worker. It backs tests and the in-process simulator;
// remote fetches are map lookups on the peer node, but go through the same
// advisory-lock bookkeeping a networked store would.
type Fabric struct {
	nodes []*Memory
}

// NewFabric creates a fabric with numNodes nodes.
func NewFabric(numNodes int) *Fabric {
	f := &Fabric{nodes: make([]*Memory, numNodes)}
	for i := range f.nodes {
		f.nodes[i] = &Memory{
			fabric: f,
			nodeID: i,
			blocks: make(map[string][]byte),
			locks:  make(map[string]map[string]bool),
		}
	}
	return f
}

// Node returns the store handle of the given node.
func (f *Fabric) Node(i int) *Memory { return f.nodes[i] }

// NumNodes returns the number of nodes in the fabric.
func (f *Fabric) NumNodes() int { return len(f.nodes) }

// Memory is one node of a Fabric. It implements Store.
//
// A standalone node (usable when no remote peers are needed, e.g. unit tests
// of purely local paths) is created with NewMemory.
type Memory struct {
	fabric *Fabric // nil for a standalone node
	nodeID int

	mu     sync.RWMutex
	blocks map[string][]byte
	// locks tracks outstanding advisory read locks on this node's blocks,
	// key -> set of lock tokens.
	locks map[string]map[string]bool

	// held tracks, per key, the remote lock the last GetLocalOrRemote through
	// this handle acquired, so Unlock can release it.
	heldMu sync.Mutex
	held   map[string]heldLock
}

type heldLock struct {
	node  *Memory
	token string
}

var _ Store = (*Memory)(nil)

// NewMemory creates a standalone in-memory store with no peers.
func NewMemory() *Memory {
	return &Memory{
		blocks: make(map[string][]byte),
		locks:  make(map[string]map[string]bool),
	}
}

// PutLocal implements Store. The data is copied, so the caller may reuse its
// buffer; the swap of old block for new is atomic under the node's lock.
func (m *Memory) PutLocal(key string, data []byte, durability Durability) error {
	_ = durability // A memory node has nothing to spill to.
	stored := make([]byte, len(data))
	copy(stored, data)
	m.mu.Lock()
	m.blocks[key] = stored
	m.mu.Unlock()
	return nil
}

// GetLocal implements Store. The returned slice is a copy.
func (m *Memory) GetLocal(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyBlock(m.blocks[key])
}

// GetLocalOrRemote implements Store: local first, then every peer node of the
// fabric. A remote hit registers an advisory read lock on the serving node.
func (m *Memory) GetLocalOrRemote(key string) ([]byte, bool) {
	if data, ok := m.GetLocal(key); ok {
		return data, true
	}
	if m.fabric == nil {
		return nil, false
	}
	for _, peer := range m.fabric.nodes {
		if peer == m {
			continue
		}
		if data, ok := peer.getLocked(key, m); ok {
			return data, true
		}
	}
	return nil, false
}

// getLocked serves a remote fetch from requester, taking an advisory read
// lock that requester's Unlock later releases.
func (m *Memory) getLocked(key string, requester *Memory) ([]byte, bool) {
	m.mu.Lock()
	data, ok := copyBlock(m.blocks[key])
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	token := uuid.NewString()
	if m.locks[key] == nil {
		m.locks[key] = make(map[string]bool)
	}
	m.locks[key][token] = true
	m.mu.Unlock()
	// Registering with the requester may release a superseded lock, possibly
	// on this very node, so it must happen outside m.mu.
	requester.rememberLock(key, heldLock{node: m, token: token})
	klog.V(3).Infof("blockstore: node %d served %q to node %d (lock %s)", m.nodeID, key, requester.nodeID, token)
	return data, true
}

func (m *Memory) rememberLock(key string, l heldLock) {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	if m.held == nil {
		m.held = make(map[string]heldLock)
	}
	if prev, ok := m.held[key]; ok {
		// A new fetch of the same key supersedes the previous lock.
		prev.node.releaseLock(key, prev.token)
	}
	m.held[key] = l
}

func (m *Memory) releaseLock(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tokens := m.locks[key]; tokens != nil {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(m.locks, key)
		}
	}
}

// RemoveLocal implements Store.
func (m *Memory) RemoveLocal(key string) {
	m.mu.Lock()
	delete(m.blocks, key)
	m.mu.Unlock()
}

// Unlock implements Store.
func (m *Memory) Unlock(key string) {
	m.heldMu.Lock()
	l, ok := m.held[key]
	delete(m.held, key)
	m.heldMu.Unlock()
	if ok {
		l.node.releaseLock(key, l.token)
	}
}

// NumLockedBlocks returns how many of this node's blocks carry outstanding
// advisory read locks. Exposed for tests.
func (m *Memory) NumLockedBlocks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks)
}

func copyBlock(data []byte) ([]byte, bool) {
	if data == nil {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}
