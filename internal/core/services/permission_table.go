package services

import (
	"sort"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	fgerrors "fieldgw/pkg/errors"
)

// PermissionTable tracks remote operator permissions. At most one peer is
// master at any time.
type PermissionTable struct {
	mu     sync.Mutex
	peers  map[domain.DeviceID]*domain.RemotePeer
	master domain.DeviceID
}

func NewPermissionTable() *PermissionTable {
	return &PermissionTable{peers: make(map[domain.DeviceID]*domain.RemotePeer)}
}

// Set assigns level to peer. Granting master demotes the previous master in
// the same step, giving [previous→guest, peer→master]. Setting the current
// level returns no changes.
func (t *PermissionTable) Set(peer domain.DeviceID, level domain.Permission) ([]domain.PermissionChange, error) {
	if peer == "" {
		return nil, fgerrors.New(fgerrors.InitInvalidInput, "remote device id must not be empty")
	}
	if !level.Valid() {
		return nil, fgerrors.Newf(fgerrors.InitParamError, "permission %d is not guest or master", int(level))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.ensure(peer)
	if p.Permission == level {
		return nil, nil
	}

	var changes []domain.PermissionChange
	if level == domain.PermissionMaster {
		if prev, ok := t.peers[t.master]; ok && t.master != peer {
			prev.Permission = domain.PermissionGuest
			changes = append(changes, domain.PermissionChange{Peer: prev.ID, From: domain.PermissionMaster, To: domain.PermissionGuest})
		}
		t.master = peer
	} else if t.master == peer {
		t.master = ""
	}
	changes = append(changes, domain.PermissionChange{Peer: peer, From: p.Permission, To: level})
	p.Permission = level
	return changes, nil
}

// Join records a peer as guest if it is not known yet.
func (t *PermissionTable) Join(peer domain.DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(peer)
}

// Remove drops peer. A leaving master yields a master→guest change.
func (t *PermissionTable) Remove(peer domain.DeviceID) []domain.PermissionChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[peer]
	if !ok {
		return nil
	}
	delete(t.peers, peer)
	if p.Permission == domain.PermissionMaster {
		t.master = ""
		return []domain.PermissionChange{{Peer: peer, From: domain.PermissionMaster, To: domain.PermissionGuest}}
	}
	return nil
}

func (t *PermissionTable) Get(peer domain.DeviceID) domain.Permission {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[peer]; ok {
		return p.Permission
	}
	return domain.PermissionGuest
}

func (t *PermissionTable) Master() domain.DeviceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.master
}

func (t *PermissionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// List returns the known peers ordered by id.
func (t *PermissionTable) List() []domain.RemotePeer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.RemotePeer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *PermissionTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[domain.DeviceID]*domain.RemotePeer)
	t.master = ""
}

func (t *PermissionTable) ensure(peer domain.DeviceID) *domain.RemotePeer {
	p, ok := t.peers[peer]
	if !ok {
		p = &domain.RemotePeer{ID: peer, Permission: domain.PermissionGuest, JoinedAt: time.Now()}
		t.peers[peer] = p
	}
	return p
}
