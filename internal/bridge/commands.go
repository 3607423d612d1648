// ABOUTME: Management command processor for the bridge bot
// ABOUTME: Table-driven commands with aliases, login gating and notice replies

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/matrix"
	"github.com/2389/matrix-wechat/internal/retry"
	"github.com/2389/matrix-wechat/internal/store"
)

// listLimit caps how many entries list commands print.
const listLimit = 20

type commandEvent struct {
	room   id.RoomID
	sender id.UserID
	user   *User
	args   []string
	reply  func(format string, args ...any)
}

type command struct {
	name       string
	aliases    []string
	usage      string
	help       string
	needsLogin bool
	handler    func(ctx context.Context, ce *commandEvent)
}

// CommandProcessor executes management commands.
type CommandProcessor struct {
	bridge   *Bridge
	commands []*command
	byName   map[string]*command
}

// NewCommandProcessor builds the command table for b.
func NewCommandProcessor(b *Bridge) *CommandProcessor {
	cp := &CommandProcessor{bridge: b, byName: make(map[string]*command)}
	cp.commands = []*command{
		{name: "help", aliases: []string{"h", "?"}, help: "Show this help message", handler: cp.cmdHelp},
		{name: "login", help: "Login to WeChat via QR code", handler: cp.cmdLogin},
		{name: "logout", help: "Logout from WeChat", needsLogin: true, handler: cp.cmdLogout},
		{name: "ping", help: "Check connection status", handler: cp.cmdPing},
		{name: "list", usage: "contacts|groups", help: "List contacts or groups", needsLogin: true, handler: cp.cmdList},
		{name: "sync", usage: "contacts|groups|space", help: "Sync data", needsLogin: true, handler: cp.cmdSync},
		{name: "delete-portal", help: "Delete current portal", handler: cp.cmdDeletePortal},
		{name: "delete-all-portals", help: "Delete all portals", handler: cp.cmdDeleteAllPortals},
		{name: "double-puppet", aliases: []string{"dp"}, usage: "<access_token>", help: "Enable double puppeting with access token", needsLogin: true, handler: cp.cmdDoublePuppet},
	}
	for _, c := range cp.commands {
		cp.byName[c.name] = c
		for _, a := range c.aliases {
			cp.byName[a] = c
		}
	}
	return cp
}

// Handle runs the command in text, already stripped of the prefix, and
// replies in room.
func (cp *CommandProcessor) Handle(ctx context.Context, room id.RoomID, sender id.UserID, text string) {
	b := cp.bridge
	if b.opts.PermissionLevel(sender) < PermissionUser {
		b.logger.Debug("ignoring command from unpermitted user", "sender", sender)
		return
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		fields = []string{"help"}
	}
	name := strings.ToLower(fields[0])

	ce := &commandEvent{
		room:   room,
		sender: sender,
		args:   fields[1:],
		reply: func(format string, args ...any) {
			b.sendNotice(ctx, room, fmt.Sprintf(format, args...))
		},
	}

	cmd, ok := cp.byName[name]
	if !ok {
		ce.reply("Unknown command: %s", name)
		return
	}

	user, err := b.registry.GetUserByMXID(ctx, sender)
	if err != nil {
		b.logger.Error("failed to load command sender", "sender", sender, "error", err)
		return
	}
	ce.user = user
	if cmd.needsLogin && !user.IsLoggedIn() {
		ce.reply("Please login first.")
		return
	}

	b.logger.Debug("running command", "command", cmd.name, "sender", sender, "room", room)
	cmd.handler(ctx, ce)
}

func (cp *CommandProcessor) cmdHelp(ctx context.Context, ce *commandEvent) {
	var sb strings.Builder
	sb.WriteString("Available commands:\n\n")
	for _, c := range cp.commands {
		sb.WriteString("- `")
		sb.WriteString(c.name)
		if c.usage != "" {
			sb.WriteString(" ")
			sb.WriteString(c.usage)
		}
		sb.WriteString("`: ")
		sb.WriteString(c.help)
		sb.WriteString("\n")
	}
	ce.reply("%s", sb.String())
}

func (cp *CommandProcessor) cmdLogin(ctx context.Context, ce *commandEvent) {
	res, err := cp.bridge.Login(ctx, ce.sender, ce.room)
	switch {
	case err != nil:
		ce.reply("Login failed: %v", err)
	case res.AlreadyLoggedIn:
		ce.reply("You are already logged in.")
	case res.LoggedIn:
		ce.reply("Login successful!")
	default:
		ce.reply("Scan the QR code with WeChat to log in.")
	}
}

func (cp *CommandProcessor) cmdLogout(ctx context.Context, ce *commandEvent) {
	if err := cp.bridge.Logout(ctx, ce.sender); err != nil {
		if errors.Is(err, errNotLoggedIn) {
			ce.reply("Please login first.")
			return
		}
		ce.reply("Logout failed: %v", err)
		return
	}
	ce.reply("Logged out successfully.")
}

func (cp *CommandProcessor) cmdPing(ctx context.Context, ce *commandEvent) {
	switch state := cp.bridge.agent.State(); {
	case state == retry.StateReconnecting:
		ce.reply("Pong!\nThe WeChat agent dropped, waiting for it to reconnect.")
	case state == retry.StateFailed:
		ce.reply("Pong!\nThe WeChat agent did not reconnect.")
	case state != retry.StateConnected:
		ce.reply("Pong!\nThe WeChat agent is not connected.")
	case ce.user.IsLoggedIn():
		ce.reply("Pong!\nLogged in as `%s`.", ce.user.UIN())
	default:
		ce.reply("Pong!")
	}
}

func (cp *CommandProcessor) cmdList(ctx context.Context, ce *commandEvent) {
	if len(ce.args) == 0 {
		ce.reply("Usage: list contacts|groups")
		return
	}
	session := ce.user.Session()
	var lines []string
	switch strings.ToLower(ce.args[0]) {
	case "contacts":
		friends, err := session.GetFriendList(ctx)
		if err != nil {
			ce.reply("Failed to list contacts: %v", err)
			return
		}
		for _, f := range friends {
			lines = append(lines, fmt.Sprintf("- %s (`%s`)", contactName(f), f.ID))
		}
	case "groups":
		groups, err := session.GetGroupList(ctx)
		if err != nil {
			ce.reply("Failed to list groups: %v", err)
			return
		}
		for _, g := range groups {
			lines = append(lines, fmt.Sprintf("- %s (`%s`, %d members)", g.Name, g.ID, len(g.Members)))
		}
	default:
		ce.reply("Usage: list contacts|groups")
		return
	}
	ce.reply("%s", formatList(lines))
}

func contactName(u agent.UserInfo) string {
	if u.Remark != "" {
		return u.Remark
	}
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

func formatList(lines []string) string {
	if len(lines) == 0 {
		return "Nothing found."
	}
	if len(lines) <= listLimit {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:listLimit], "\n") + fmt.Sprintf("\n... and %d more", len(lines)-listLimit)
}

func (cp *CommandProcessor) cmdSync(ctx context.Context, ce *commandEvent) {
	if len(ce.args) == 0 {
		ce.reply("Usage: sync contacts|groups|space")
		return
	}
	b := cp.bridge
	switch strings.ToLower(ce.args[0]) {
	case "contacts":
		n, err := b.SyncContacts(ctx, ce.user)
		if err != nil {
			ce.reply("Failed to sync contacts: %v", err)
			return
		}
		ce.reply("Synced %d contacts.", n)
	case "groups":
		n, err := b.SyncGroups(ctx, ce.user)
		if err != nil {
			ce.reply("Failed to sync groups: %v", err)
			return
		}
		ce.reply("Synced %d groups.", n)
	case "space":
		n, err := b.SyncSpace(ctx, ce.user)
		if err != nil {
			ce.reply("Failed to sync space: %v", err)
			return
		}
		ce.reply("Space synced with %d rooms.", n)
	default:
		ce.reply("Usage: sync contacts|groups|space")
	}
}

func (cp *CommandProcessor) cmdDeletePortal(ctx context.Context, ce *commandEvent) {
	b := cp.bridge
	portal, err := b.portalForRoom(ctx, ce.room)
	if err != nil {
		ce.reply("Failed to delete portal: %v", err)
		return
	}
	if portal == nil {
		ce.reply("This is not a portal room.")
		return
	}
	if err := b.Cleanup(ctx, portal); err != nil {
		ce.reply("Failed to delete portal: %v", err)
		return
	}
	ce.reply("Portal deleted.")
}

func (cp *CommandProcessor) cmdDeleteAllPortals(ctx context.Context, ce *commandEvent) {
	b := cp.bridge
	portals, err := b.portalsForUser(ctx, ce.sender)
	if err != nil {
		ce.reply("Failed to list portals: %v", err)
		return
	}
	n := 0
	for _, p := range portals {
		if err := b.Cleanup(ctx, p); err != nil {
			b.logger.Warn("failed to delete portal", "portal", p.Key().String(), "error", err)
			continue
		}
		if err := b.registry.DeletePortal(ctx, p); err != nil {
			b.logger.Warn("failed to delete portal row", "portal", p.Key().String(), "error", err)
		}
		n++
	}
	ce.reply("Deleted %d portals.", n)
}

func (cp *CommandProcessor) cmdDoublePuppet(ctx context.Context, ce *commandEvent) {
	if len(ce.args) == 0 {
		ce.reply("Usage: double-puppet <access_token>")
		return
	}
	if err := cp.bridge.SetDoublePuppet(ctx, ce.user, ce.args[0]); err != nil {
		ce.reply("Failed to enable double puppeting: %v", err)
		return
	}
	ce.reply("Double puppeting enabled for %s", ce.sender)
}

// portalsForUser returns the portals whose rooms mxid has joined.
func (b *Bridge) portalsForUser(ctx context.Context, mxid id.UserID) ([]*Portal, error) {
	portals, err := b.registry.AllPortalsWithRoom(ctx)
	if err != nil {
		return nil, err
	}
	bot := b.intents.Bot()
	var out []*Portal
	for _, p := range portals {
		members, err := bot.JoinedMembers(ctx, p.MXID())
		if err != nil {
			b.logger.Debug("failed to list portal members", "room", p.MXID(), "error", err)
			continue
		}
		for _, m := range members {
			if m == mxid {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// SyncContacts refreshes the contact list and every contact's puppet profile.
func (b *Bridge) SyncContacts(ctx context.Context, u *User) (int, error) {
	session := u.Session()
	if session == nil {
		return 0, errNotLoggedIn
	}
	if err := session.RefreshContacts(ctx); err != nil {
		return 0, err
	}
	friends, err := session.GetFriendList(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range friends {
		p, err := b.registry.GetPuppetByUIN(ctx, f.ID)
		if err != nil {
			b.logger.Warn("failed to load contact puppet", "uin", f.ID, "error", err)
			continue
		}
		name, quality := contactName(f), store.NameQualityName
		if name == f.ID {
			quality = store.NameQualityUIN
		}
		if err := b.SyncPuppetName(ctx, p, name, quality, false); err != nil {
			b.logger.Warn("failed to sync contact name", "uin", f.ID, "error", err)
		}
		if err := b.SyncPuppetAvatar(ctx, p, f.Avatar, false); err != nil {
			b.logger.Warn("failed to sync contact avatar", "uin", f.ID, "error", err)
		}
		n++
	}
	return n, nil
}

// SyncGroups refreshes name, topic and members of every bridged group.
func (b *Bridge) SyncGroups(ctx context.Context, u *User) (int, error) {
	session := u.Session()
	if session == nil {
		return 0, errNotLoggedIn
	}
	groups, err := session.GetGroupList(ctx)
	if err != nil {
		return 0, err
	}
	portals, err := b.registry.AllPortalsWithRoom(ctx)
	if err != nil {
		return 0, err
	}
	byUID := make(map[string][]*Portal)
	for _, p := range portals {
		byUID[p.Key().UID] = append(byUID[p.Key().UID], p)
	}

	n := 0
	for _, g := range groups {
		targets := byUID[g.ID]
		if len(targets) == 0 {
			continue
		}
		members, err := session.GetGroupMembers(ctx, g.ID)
		if err != nil {
			b.logger.Warn("failed to list group members", "group", g.ID, "error", err)
		}
		for _, p := range targets {
			if _, err := b.UpdateMatrixRoom(ctx, p, g.Name, g.Notice, ""); err != nil {
				b.logger.Warn("failed to update group room", "group", g.ID, "error", err)
			}
			if members != nil {
				if err := b.SyncParticipants(ctx, p, members); err != nil {
					b.logger.Warn("failed to sync group members", "group", g.ID, "error", err)
				}
			}
		}
		n++
	}
	return n, nil
}

// SyncSpace creates the user's space on first use and adds every portal room
// the user has joined as a child.
func (b *Bridge) SyncSpace(ctx context.Context, u *User) (int, error) {
	bot := b.intents.Bot()
	space := u.SpaceRoom()
	if space == "" {
		var err error
		space, err = bot.CreateRoom(ctx, &matrix.CreateRoomParams{
			Name:            "WeChat",
			Topic:           "Your WeChat bridged chats",
			Preset:          matrix.PresetPrivateChat,
			Invite:          []id.UserID{u.MXID()},
			CreationContent: map[string]any{"type": "m.space"},
			PowerLevels: &event.PowerLevelsEventContent{
				Users: map[id.UserID]int{bot.UserID(): 100, u.MXID(): 50},
			},
		})
		if err != nil {
			return 0, fmt.Errorf("creating space: %w", err)
		}
		if err := b.registry.UpdateUser(ctx, u, func(row *store.User) {
			row.SpaceRoom = space.String()
		}); err != nil {
			return 0, err
		}
	}

	portals, err := b.portalsForUser(ctx, u.MXID())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range portals {
		_, err := bot.SetState(ctx, space, event.StateSpaceChild, p.MXID().String(), &event.SpaceChildEventContent{
			Via: []string{b.opts.Domain},
		})
		if err != nil {
			b.logger.Warn("failed to add room to space", "space", space, "room", p.MXID(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}
