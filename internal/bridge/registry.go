// ABOUTME: Entity registry caching users, portals and puppets over the Store
// ABOUTME: Single-flight lazy creation, double-indexed portals, write-through updates

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/store"
)

// Registry resolves entities by key, creating them on first reference.
type Registry struct {
	store  store.Store
	ghosts func(uin string) id.UserID
	logger *slog.Logger

	mu            sync.RWMutex
	users         map[id.UserID]*User
	usersByUIN    map[string]*User
	portals       map[store.PortalKey]*Portal
	portalsByMXID map[id.RoomID]*Portal
	puppets       map[string]*Puppet
	puppetsByMXID map[id.UserID]*Puppet // custom mxid index

	group singleflight.Group
}

// NewRegistry creates a registry. ghosts maps a WeChat id to its ghost mxid.
func NewRegistry(s store.Store, ghosts func(uin string) id.UserID, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:         s,
		ghosts:        ghosts,
		logger:        logger.With("component", "registry"),
		users:         make(map[id.UserID]*User),
		usersByUIN:    make(map[string]*User),
		portals:       make(map[store.PortalKey]*Portal),
		portalsByMXID: make(map[id.RoomID]*Portal),
		puppets:       make(map[string]*Puppet),
		puppetsByMXID: make(map[id.UserID]*Puppet),
	}
}

// ---- users ----

// GetUserByMXID returns the user, creating it if it does not exist.
func (r *Registry) GetUserByMXID(ctx context.Context, mxid id.UserID) (*User, error) {
	r.mu.RLock()
	u := r.users[mxid]
	r.mu.RUnlock()
	if u != nil {
		return u, nil
	}

	// Joined callers share the flight, so it must outlive the first caller.
	v, err, _ := r.group.Do("user:"+mxid.String(), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		r.mu.RLock()
		u := r.users[mxid]
		r.mu.RUnlock()
		if u != nil {
			return u, nil
		}

		row, err := r.store.GetUser(ctx, mxid.String())
		if errors.Is(err, store.ErrNotFound) {
			row, err = r.store.CreateUser(ctx, &store.User{MXID: mxid.String()})
			if err == nil {
				r.logger.Debug("created user", "mxid", mxid)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("loading user %s: %w", mxid, err)
		}
		return r.cacheUser(row), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}

// GetUserByUIN returns the user logged in as uin. It never creates.
func (r *Registry) GetUserByUIN(ctx context.Context, uin string) (*User, error) {
	r.mu.RLock()
	u := r.usersByUIN[uin]
	r.mu.RUnlock()
	if u != nil {
		return u, nil
	}

	row, err := r.store.GetUserByUIN(ctx, uin)
	if err != nil {
		return nil, err
	}
	return r.cacheUser(row), nil
}

// AllLoggedInUsers returns every user with a bound WeChat id.
func (r *Registry) AllLoggedInUsers(ctx context.Context) ([]*User, error) {
	rows, err := r.store.ListLoggedInUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]*User, 0, len(rows))
	for _, row := range rows {
		users = append(users, r.cacheUser(row))
	}
	return users, nil
}

func (r *Registry) cacheUser(row *store.User) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	mxid := id.UserID(row.MXID)
	if u, ok := r.users[mxid]; ok {
		return u
	}
	u := newUser(row)
	r.users[mxid] = u
	if row.UIN != "" {
		r.usersByUIN[row.UIN] = u
	}
	return u
}

// UpdateUser applies fn to the user and persists it as one step.
func (r *Registry) UpdateUser(ctx context.Context, u *User, fn func(*store.User)) error {
	u.mu.Lock()
	oldUIN := u.row.UIN
	fn(&u.row)
	newUIN := u.row.UIN
	err := r.store.UpdateUser(ctx, &u.row)
	u.mu.Unlock()

	if oldUIN != newUIN {
		r.mu.Lock()
		if oldUIN != "" && r.usersByUIN[oldUIN] == u {
			delete(r.usersByUIN, oldUIN)
		}
		if newUIN != "" {
			r.usersByUIN[newUIN] = u
		}
		r.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("saving user %s: %w", u.mxid, err)
	}
	return nil
}

// ---- portals ----

// GetPortalByKey returns the portal, creating it if it does not exist.
func (r *Registry) GetPortalByKey(ctx context.Context, key store.PortalKey) (*Portal, error) {
	r.mu.RLock()
	p := r.portals[key]
	r.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	v, err, _ := r.group.Do("portal:"+key.String(), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		r.mu.RLock()
		p := r.portals[key]
		r.mu.RUnlock()
		if p != nil {
			return p, nil
		}

		row, err := r.store.GetPortal(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			row, err = r.store.CreatePortal(ctx, &store.Portal{Key: key})
			if err == nil {
				r.logger.Debug("created portal", "key", key.String())
			}
		}
		if err != nil {
			return nil, fmt.Errorf("loading portal %s: %w", key, err)
		}
		return r.cachePortal(row), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Portal), nil
}

// GetPortalByMXID returns the portal bridged to roomID. A room that is not a
// portal yields store.ErrNotFound.
func (r *Registry) GetPortalByMXID(ctx context.Context, roomID id.RoomID) (*Portal, error) {
	if roomID == "" {
		return nil, store.ErrNotFound
	}
	r.mu.RLock()
	p := r.portalsByMXID[roomID]
	r.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	row, err := r.store.GetPortalByMXID(ctx, roomID.String())
	if err != nil {
		return nil, err
	}
	return r.cachePortal(row), nil
}

// AllPortalsWithRoom returns every portal that has a Matrix room.
func (r *Registry) AllPortalsWithRoom(ctx context.Context) ([]*Portal, error) {
	rows, err := r.store.ListPortalsWithRoom(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing portals: %w", err)
	}
	return r.cachePortals(rows), nil
}

// PortalsByReceiver returns every portal seen through a WeChat account.
func (r *Registry) PortalsByReceiver(ctx context.Context, receiver string) ([]*Portal, error) {
	rows, err := r.store.ListPortalsByReceiver(ctx, receiver)
	if err != nil {
		return nil, fmt.Errorf("listing portals: %w", err)
	}
	return r.cachePortals(rows), nil
}

func (r *Registry) cachePortals(rows []*store.Portal) []*Portal {
	out := make([]*Portal, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.cachePortal(row))
	}
	return out
}

func (r *Registry) cachePortal(row *store.Portal) *Portal {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.portals[row.Key]; ok {
		return p
	}
	p := newPortal(row)
	r.portals[row.Key] = p
	if row.MXID != "" {
		r.portalsByMXID[id.RoomID(row.MXID)] = p
	}
	return p
}

// UpdatePortal applies fn to the portal and persists it as one step. The
// room index follows any change of the room id.
func (r *Registry) UpdatePortal(ctx context.Context, p *Portal, fn func(*store.Portal)) error {
	p.mu.Lock()
	oldRoom := id.RoomID(p.row.MXID)
	fn(&p.row)
	p.row.Key = p.key
	newRoom := id.RoomID(p.row.MXID)
	err := r.store.UpdatePortal(ctx, &p.row)
	p.mu.Unlock()

	if oldRoom != newRoom {
		r.mu.Lock()
		if oldRoom != "" && r.portalsByMXID[oldRoom] == p {
			delete(r.portalsByMXID, oldRoom)
		}
		if newRoom != "" {
			r.portalsByMXID[newRoom] = p
		}
		r.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("saving portal %s: %w", p.key, err)
	}
	return nil
}

// DeletePortal removes the portal row, its messages and both index entries.
func (r *Registry) DeletePortal(ctx context.Context, p *Portal) error {
	room := p.MXID()
	r.mu.Lock()
	delete(r.portals, p.key)
	if room != "" && r.portalsByMXID[room] == p {
		delete(r.portalsByMXID, room)
	}
	r.mu.Unlock()

	if err := r.store.DeletePortal(ctx, p.key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting portal %s: %w", p.key, err)
	}
	return nil
}

// ---- puppets ----

// GetPuppetByUIN returns the puppet, creating it if it does not exist.
func (r *Registry) GetPuppetByUIN(ctx context.Context, uin string) (*Puppet, error) {
	r.mu.RLock()
	p := r.puppets[uin]
	r.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	v, err, _ := r.group.Do("puppet:"+uin, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		r.mu.RLock()
		p := r.puppets[uin]
		r.mu.RUnlock()
		if p != nil {
			return p, nil
		}

		row, err := r.store.GetPuppet(ctx, uin)
		if errors.Is(err, store.ErrNotFound) {
			row, err = r.store.CreatePuppet(ctx, &store.Puppet{
				UIN:            uin,
				NameQuality:    store.NameQualityNone,
				EnablePresence: true,
			})
			if err == nil {
				r.logger.Debug("created puppet", "uin", uin)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("loading puppet %s: %w", uin, err)
		}
		return r.cachePuppet(row), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Puppet), nil
}

// GetPuppetByCustomMXID returns the puppet double-puppeted by mxid. It never
// creates.
func (r *Registry) GetPuppetByCustomMXID(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	r.mu.RLock()
	p := r.puppetsByMXID[mxid]
	r.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	row, err := r.store.GetPuppetByCustomMXID(ctx, mxid.String())
	if err != nil {
		return nil, err
	}
	return r.cachePuppet(row), nil
}

// AllDoublePuppets returns every puppet with a custom binding.
func (r *Registry) AllDoublePuppets(ctx context.Context) ([]*Puppet, error) {
	rows, err := r.store.ListPuppetsWithCustomMXID(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing puppets: %w", err)
	}
	out := make([]*Puppet, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.cachePuppet(row))
	}
	return out, nil
}

func (r *Registry) cachePuppet(row *store.Puppet) *Puppet {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.puppets[row.UIN]; ok {
		return p
	}
	p := newPuppet(row, r.ghosts(row.UIN))
	r.puppets[row.UIN] = p
	if row.CustomMXID != "" {
		r.puppetsByMXID[id.UserID(row.CustomMXID)] = p
	}
	return p
}

// UpdatePuppet applies fn to the puppet and persists it as one step.
func (r *Registry) UpdatePuppet(ctx context.Context, p *Puppet, fn func(*store.Puppet)) error {
	p.mu.Lock()
	oldCustom := id.UserID(p.row.CustomMXID)
	fn(&p.row)
	p.row.UIN = p.uin
	newCustom := id.UserID(p.row.CustomMXID)
	err := r.store.UpdatePuppet(ctx, &p.row)
	p.mu.Unlock()

	if oldCustom != newCustom {
		r.mu.Lock()
		if oldCustom != "" && r.puppetsByMXID[oldCustom] == p {
			delete(r.puppetsByMXID, oldCustom)
		}
		if newCustom != "" {
			r.puppetsByMXID[newCustom] = p
		}
		r.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("saving puppet %s: %w", p.uin, err)
	}
	return nil
}
