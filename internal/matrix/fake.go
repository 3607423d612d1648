// ABOUTME: In-memory homeserver implementing RoomClient and Intents for tests
// ABOUTME: Records rooms, events, redactions, media and profiles per acting user

package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// FakeRoom is a room created on the fake homeserver.
type FakeRoom struct {
	ID      id.RoomID
	Creator id.UserID
	Params  CreateRoomParams
	Members map[id.UserID]event.Membership
	State   map[string]any // "type|state_key" -> content
}

// FakeEvent is a message event sent through the fake homeserver.
type FakeEvent struct {
	RoomID  id.RoomID
	EventID id.EventID
	Sender  id.UserID
	Type    event.Type
	Content any
}

// FakeRedaction is a redaction sent through the fake homeserver.
type FakeRedaction struct {
	RoomID  id.RoomID
	Target  id.EventID
	Sender  id.UserID
	Reason  string
	EventID id.EventID
}

// Fake is an in-memory homeserver. It implements Intents; every client it
// hands out shares the same state.
type Fake struct {
	mu         sync.Mutex
	bot        id.UserID
	seq        int
	rooms      map[id.RoomID]*FakeRoom
	roomOrder  []id.RoomID
	events     []FakeEvent
	redactions []FakeRedaction
	media      map[id.ContentURIString][]byte
	names      map[id.UserID]string
	avatars    map[id.UserID]id.ContentURIString
	ghosts     map[id.UserID]bool
	fail       map[string]error
}

// NewFake creates an empty fake homeserver whose bot is botID.
func NewFake(botID id.UserID) *Fake {
	return &Fake{
		bot:     botID,
		rooms:   make(map[id.RoomID]*FakeRoom),
		media:   make(map[id.ContentURIString][]byte),
		names:   make(map[id.UserID]string),
		avatars: make(map[id.UserID]id.ContentURIString),
		ghosts:  make(map[id.UserID]bool),
		fail:    make(map[string]error),
	}
}

// FailOn makes every call to the named RoomClient method return err until
// cleared with a nil err.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// Bot returns the bot client.
func (f *Fake) Bot() RoomClient {
	return &fakeClient{f: f, user: f.bot}
}

// Ghost returns a client acting as userID.
func (f *Fake) Ghost(ctx context.Context, userID id.UserID) (RoomClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["Ghost"]; err != nil {
		return nil, err
	}
	f.ghosts[userID] = true
	return &fakeClient{f: f, user: userID}, nil
}

// Custom returns a client acting as a real user.
func (f *Fake) Custom(userID id.UserID, accessToken string) (RoomClient, error) {
	if accessToken == "" {
		return nil, errors.New("double puppet access token is empty")
	}
	return &fakeClient{f: f, user: userID}, nil
}

// Rooms returns created rooms in creation order.
func (f *Fake) Rooms() []FakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeRoom, 0, len(f.roomOrder))
	for _, rid := range f.roomOrder {
		out = append(out, *f.rooms[rid])
	}
	return out
}

// Room returns a created room.
func (f *Fake) Room(roomID id.RoomID) (FakeRoom, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomID]
	if !ok {
		return FakeRoom{}, false
	}
	return *r, true
}

// Events returns every message event sent, in order.
func (f *Fake) Events() []FakeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeEvent(nil), f.events...)
}

// Redactions returns every redaction sent, in order.
func (f *Fake) Redactions() []FakeRedaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeRedaction(nil), f.redactions...)
}

// StateOf returns the latest content set for a state event.
func (f *Fake) StateOf(roomID id.RoomID, evtType event.Type, stateKey string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, false
	}
	c, ok := r.State[evtType.Type+"|"+stateKey]
	return c, ok
}

// DisplayName returns the profile name set by userID.
func (f *Fake) DisplayName(userID id.UserID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[userID]
}

// Avatar returns the avatar set by userID.
func (f *Fake) Avatar(userID id.UserID) id.ContentURIString {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avatars[userID]
}

// PutMedia stores bytes and returns their content uri.
func (f *Fake) PutMedia(data []byte) id.ContentURIString {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putMediaLocked(data)
}

// AddRoom registers an existing room with the given joined members.
func (f *Fake) AddRoom(roomID id.RoomID, members ...id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &FakeRoom{ID: roomID, Members: make(map[id.UserID]event.Membership), State: make(map[string]any)}
	for _, m := range members {
		r.Members[m] = event.MembershipJoin
	}
	f.rooms[roomID] = r
}

func (f *Fake) putMediaLocked(data []byte) id.ContentURIString {
	f.seq++
	uri := id.ContentURIString(fmt.Sprintf("mxc://fake.test/media%d", f.seq))
	f.media[uri] = append([]byte(nil), data...)
	return uri
}

func (f *Fake) nextEventLocked() id.EventID {
	f.seq++
	return id.EventID(fmt.Sprintf("$event%d", f.seq))
}

type fakeClient struct {
	f    *Fake
	user id.UserID
}

func (c *fakeClient) UserID() id.UserID { return c.user }

func (c *fakeClient) lock(method string) error {
	c.f.mu.Lock()
	if err := c.f.fail[method]; err != nil {
		c.f.mu.Unlock()
		return err
	}
	return nil
}

func (c *fakeClient) room(roomID id.RoomID) (*FakeRoom, error) {
	r, ok := c.f.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s not found", roomID)
	}
	return r, nil
}

func (c *fakeClient) CreateRoom(ctx context.Context, params *CreateRoomParams) (id.RoomID, error) {
	if err := c.lock("CreateRoom"); err != nil {
		return "", err
	}
	defer c.f.mu.Unlock()

	c.f.seq++
	rid := id.RoomID(fmt.Sprintf("!room%d:fake.test", c.f.seq))
	r := &FakeRoom{
		ID:      rid,
		Creator: c.user,
		Params:  *params,
		Members: map[id.UserID]event.Membership{c.user: event.MembershipJoin},
		State:   make(map[string]any),
	}
	for _, u := range params.Invite {
		r.Members[u] = event.MembershipInvite
	}
	for _, st := range params.InitialState {
		key := ""
		if st.StateKey != nil {
			key = *st.StateKey
		}
		r.State[st.Type.Type+"|"+key] = st.Content.Parsed
	}
	c.f.rooms[rid] = r
	c.f.roomOrder = append(c.f.roomOrder, rid)
	return rid, nil
}

func (c *fakeClient) SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (id.EventID, error) {
	if err := c.lock("SendMessage"); err != nil {
		return "", err
	}
	defer c.f.mu.Unlock()

	if _, err := c.room(roomID); err != nil {
		return "", err
	}
	eid := c.f.nextEventLocked()
	c.f.events = append(c.f.events, FakeEvent{RoomID: roomID, EventID: eid, Sender: c.user, Type: evtType, Content: content})
	return eid, nil
}

func (c *fakeClient) SetState(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error) {
	if err := c.lock("SetState"); err != nil {
		return "", err
	}
	defer c.f.mu.Unlock()

	r, err := c.room(roomID)
	if err != nil {
		return "", err
	}
	r.State[evtType.Type+"|"+stateKey] = content
	return c.f.nextEventLocked(), nil
}

func (c *fakeClient) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) (id.EventID, error) {
	if err := c.lock("Redact"); err != nil {
		return "", err
	}
	defer c.f.mu.Unlock()

	eid := c.f.nextEventLocked()
	c.f.redactions = append(c.f.redactions, FakeRedaction{RoomID: roomID, Target: eventID, Sender: c.user, Reason: reason, EventID: eid})
	return eid, nil
}

func (c *fakeClient) UploadMedia(ctx context.Context, data []byte, mime, name string) (id.ContentURIString, error) {
	if err := c.lock("UploadMedia"); err != nil {
		return "", err
	}
	defer c.f.mu.Unlock()
	return c.f.putMediaLocked(data), nil
}

func (c *fakeClient) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	if err := c.lock("DownloadMedia"); err != nil {
		return nil, err
	}
	defer c.f.mu.Unlock()

	data, ok := c.f.media[uri]
	if !ok {
		return nil, fmt.Errorf("media %s not found", uri)
	}
	return append([]byte(nil), data...), nil
}

func (c *fakeClient) SetMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) error {
	if err := c.lock("SetMembership"); err != nil {
		return err
	}
	defer c.f.mu.Unlock()

	r, err := c.room(roomID)
	if err != nil {
		return err
	}
	r.Members[userID] = membership
	return nil
}

func (c *fakeClient) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	if err := c.lock("JoinedMembers"); err != nil {
		return nil, err
	}
	defer c.f.mu.Unlock()

	r, err := c.room(roomID)
	if err != nil {
		return nil, err
	}
	var out []id.UserID
	for u, m := range r.Members {
		if m == event.MembershipJoin {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (c *fakeClient) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	return c.SetMembership(ctx, roomID, c.user, event.MembershipJoin)
}

func (c *fakeClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	return c.SetMembership(ctx, roomID, c.user, event.MembershipLeave)
}

func (c *fakeClient) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return c.SetMembership(ctx, roomID, userID, event.MembershipInvite)
}

func (c *fakeClient) SetDisplayName(ctx context.Context, name string) error {
	if err := c.lock("SetDisplayName"); err != nil {
		return err
	}
	defer c.f.mu.Unlock()
	c.f.names[c.user] = name
	return nil
}

func (c *fakeClient) SetAvatarURL(ctx context.Context, uri id.ContentURIString) error {
	if err := c.lock("SetAvatarURL"); err != nil {
		return err
	}
	defer c.f.mu.Unlock()
	c.f.avatars[c.user] = uri
	return nil
}

var (
	_ Intents    = (*Fake)(nil)
	_ RoomClient = (*fakeClient)(nil)
)
