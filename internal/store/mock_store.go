// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User      // keyed by mxid
	portals       map[PortalKey]*Portal // keyed by portal key
	portalsByMXID map[string]PortalKey  // room id -> portal key
	puppets       map[string]*Puppet    // keyed by uin
	messages      map[string]*Message   // keyed by "uid|receiver|msg_id"
	messagesByMX  map[string]string     // event id -> message key

	// Calls counts every method invocation by name
	Calls map[string]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		portals:       make(map[PortalKey]*Portal),
		portalsByMXID: make(map[string]PortalKey),
		puppets:       make(map[string]*Puppet),
		messages:      make(map[string]*Message),
		messagesByMX:  make(map[string]string),
		Calls:         make(map[string]int),
	}
}

// CallCount returns how many times the named method ran
func (m *MockStore) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

func messageKey(key PortalKey, msgID string) string {
	return key.String() + "|" + msgID
}

// GetUser retrieves a user by mxid.
func (m *MockStore) GetUser(ctx context.Context, mxid string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetUser"]++

	u, ok := m.users[mxid]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

// GetUserByUIN retrieves a user by bound WeChat id.
func (m *MockStore) GetUserByUIN(ctx context.Context, uin string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetUserByUIN"]++

	for _, u := range m.users {
		if uin != "" && u.UIN == uin {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// CreateUser stores the user unless one already exists.
func (m *MockStore) CreateUser(ctx context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["CreateUser"]++

	if existing, ok := m.users[u.MXID]; ok {
		c := *existing
		return &c, nil
	}
	c := *u
	m.users[u.MXID] = &c
	out := c
	return &out, nil
}

// UpdateUser replaces a stored user.
func (m *MockStore) UpdateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["UpdateUser"]++

	if _, ok := m.users[u.MXID]; !ok {
		return ErrNotFound
	}
	c := *u
	m.users[u.MXID] = &c
	return nil
}

// ListLoggedInUsers returns users with a bound WeChat id.
func (m *MockStore) ListLoggedInUsers(ctx context.Context) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["ListLoggedInUsers"]++

	var out []*User
	for _, u := range m.users {
		if u.UIN != "" {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MXID < out[j].MXID })
	return out, nil
}

// GetPortal retrieves a portal by key.
func (m *MockStore) GetPortal(ctx context.Context, key PortalKey) (*Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetPortal"]++

	p, ok := m.portals[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// GetPortalByMXID retrieves a portal by room id.
func (m *MockStore) GetPortalByMXID(ctx context.Context, mxid string) (*Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetPortalByMXID"]++

	key, ok := m.portalsByMXID[mxid]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.portals[key]
	return &c, nil
}

// CreatePortal stores the portal unless one already exists.
func (m *MockStore) CreatePortal(ctx context.Context, p *Portal) (*Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["CreatePortal"]++

	if existing, ok := m.portals[p.Key]; ok {
		c := *existing
		return &c, nil
	}
	if p.MXID != "" {
		if _, taken := m.portalsByMXID[p.MXID]; taken {
			return nil, fmt.Errorf("inserting portal: room %s already bound", p.MXID)
		}
		m.portalsByMXID[p.MXID] = p.Key
	}
	c := *p
	m.portals[p.Key] = &c
	out := c
	return &out, nil
}

// UpdatePortal replaces a stored portal.
func (m *MockStore) UpdatePortal(ctx context.Context, p *Portal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["UpdatePortal"]++

	old, ok := m.portals[p.Key]
	if !ok {
		return ErrNotFound
	}
	if p.MXID != "" {
		if other, taken := m.portalsByMXID[p.MXID]; taken && other != p.Key {
			return fmt.Errorf("updating portal: room %s already bound", p.MXID)
		}
	}
	if old.MXID != "" {
		delete(m.portalsByMXID, old.MXID)
	}
	if p.MXID != "" {
		m.portalsByMXID[p.MXID] = p.Key
	}
	c := *p
	m.portals[p.Key] = &c
	return nil
}

// DeletePortal removes a portal and its messages.
func (m *MockStore) DeletePortal(ctx context.Context, key PortalKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["DeletePortal"]++

	p, ok := m.portals[key]
	if !ok {
		return ErrNotFound
	}
	if p.MXID != "" {
		delete(m.portalsByMXID, p.MXID)
	}
	delete(m.portals, key)
	for k, msg := range m.messages {
		if msg.Key == key {
			if msg.MXID != "" {
				delete(m.messagesByMX, msg.MXID)
			}
			delete(m.messages, k)
		}
	}
	return nil
}

func (m *MockStore) filterPortals(keep func(*Portal) bool) []*Portal {
	var out []*Portal
	for _, p := range m.portals {
		if keep(p) {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// ListPortalsWithRoom returns portals that have a room.
func (m *MockStore) ListPortalsWithRoom(ctx context.Context) ([]*Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["ListPortalsWithRoom"]++
	return m.filterPortals(func(p *Portal) bool { return p.MXID != "" }), nil
}

// ListPortalsByReceiver returns portals seen through one account.
func (m *MockStore) ListPortalsByReceiver(ctx context.Context, receiver string) ([]*Portal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["ListPortalsByReceiver"]++
	return m.filterPortals(func(p *Portal) bool { return p.Key.Receiver == receiver }), nil
}

// GetPuppet retrieves a puppet by uin.
func (m *MockStore) GetPuppet(ctx context.Context, uin string) (*Puppet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetPuppet"]++

	p, ok := m.puppets[uin]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// GetPuppetByCustomMXID retrieves a double-puppeted puppet.
func (m *MockStore) GetPuppetByCustomMXID(ctx context.Context, mxid string) (*Puppet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetPuppetByCustomMXID"]++

	for _, p := range m.puppets {
		if mxid != "" && p.CustomMXID == mxid {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// CreatePuppet stores the puppet unless one already exists.
func (m *MockStore) CreatePuppet(ctx context.Context, p *Puppet) (*Puppet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["CreatePuppet"]++

	if existing, ok := m.puppets[p.UIN]; ok {
		c := *existing
		return &c, nil
	}
	c := *p
	m.puppets[p.UIN] = &c
	out := c
	return &out, nil
}

// UpdatePuppet replaces a stored puppet.
func (m *MockStore) UpdatePuppet(ctx context.Context, p *Puppet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["UpdatePuppet"]++

	if _, ok := m.puppets[p.UIN]; !ok {
		return ErrNotFound
	}
	c := *p
	m.puppets[p.UIN] = &c
	return nil
}

// ListPuppetsWithCustomMXID returns double-puppeted puppets.
func (m *MockStore) ListPuppetsWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["ListPuppetsWithCustomMXID"]++

	var out []*Puppet
	for _, p := range m.puppets {
		if p.CustomMXID != "" {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UIN < out[j].UIN })
	return out, nil
}

// PutMessage upserts a correlation record.
func (m *MockStore) PutMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["PutMessage"]++

	k := messageKey(msg.Key, msg.MsgID)
	if old, ok := m.messages[k]; ok && old.MXID != "" {
		delete(m.messagesByMX, old.MXID)
	}
	if msg.MXID != "" {
		if other, ok := m.messagesByMX[msg.MXID]; ok && other != k {
			m.messages[other].MXID = ""
		}
		m.messagesByMX[msg.MXID] = k
	}
	c := *msg
	m.messages[k] = &c
	return nil
}

// GetMessage retrieves a record by conversation and WeChat id.
func (m *MockStore) GetMessage(ctx context.Context, key PortalKey, msgID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetMessage"]++

	msg, ok := m.messages[messageKey(key, msgID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	return &c, nil
}

// GetMessageByMXID retrieves a record by event id.
func (m *MockStore) GetMessageByMXID(ctx context.Context, mxid string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetMessageByMXID"]++

	k, ok := m.messagesByMX[mxid]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.messages[k]
	return &c, nil
}

// GetMessageByID retrieves the newest record with a WeChat id.
func (m *MockStore) GetMessageByID(ctx context.Context, msgID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["GetMessageByID"]++

	var best *Message
	for _, msg := range m.messages {
		if msg.MsgID != msgID {
			continue
		}
		if best == nil || msg.Timestamp.After(best.Timestamp) {
			best = msg
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	c := *best
	return &c, nil
}

// DeleteMessage removes a record.
func (m *MockStore) DeleteMessage(ctx context.Context, key PortalKey, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["DeleteMessage"]++

	k := messageKey(key, msgID)
	msg, ok := m.messages[k]
	if !ok {
		return ErrNotFound
	}
	if msg.MXID != "" {
		delete(m.messagesByMX, msg.MXID)
	}
	delete(m.messages, k)
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
