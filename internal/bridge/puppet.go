// ABOUTME: Puppet profile sync and intent selection
// ABOUTME: Displayname quality only rises unless forced; avatars upload once unless forced

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/2389/matrix-wechat/internal/agent"
	"github.com/2389/matrix-wechat/internal/matrix"
	"github.com/2389/matrix-wechat/internal/store"
)

// maxAvatarSize caps avatar downloads.
const maxAvatarSize = 10 << 20

// puppetIntent returns the client the puppet acts through: the double puppet
// when bound, otherwise the appservice ghost.
func (b *Bridge) puppetIntent(ctx context.Context, p *Puppet) (matrix.RoomClient, error) {
	row := p.Snapshot()
	if row.CustomMXID != "" && row.AccessToken != "" {
		return b.intents.Custom(id.UserID(row.CustomMXID), row.AccessToken)
	}
	return b.intents.Ghost(ctx, p.GhostMXID())
}

// senderName picks the best name carried by an event sender.
func senderName(s agent.Sender) (string, int) {
	switch {
	case s.Remark != "":
		return s.Remark, store.NameQualityName
	case s.Username != "":
		return s.Username, store.NameQualityName
	default:
		return s.ID, store.NameQualityUIN
	}
}

// SyncPuppetName applies name at quality. Without force, a lower quality
// never replaces a higher one. The stored name only changes after the ghost
// profile was updated.
func (b *Bridge) SyncPuppetName(ctx context.Context, p *Puppet, name string, quality int, force bool) error {
	if name == "" {
		return nil
	}
	cur := p.Snapshot()
	if !force {
		if quality < cur.NameQuality {
			return nil
		}
		if cur.NameSet && cur.Displayname == name && quality == cur.NameQuality {
			return nil
		}
	}

	ghost, err := b.intents.Ghost(ctx, p.GhostMXID())
	if err != nil {
		return fmt.Errorf("ghost for %s: %w", p.UIN(), err)
	}
	if err := ghost.SetDisplayName(ctx, b.opts.FormatDisplayname(name, p.UIN())); err != nil {
		return fmt.Errorf("setting displayname for %s: %w", p.UIN(), err)
	}

	return b.registry.UpdatePuppet(ctx, p, func(row *store.Puppet) {
		if !force && quality < row.NameQuality {
			return
		}
		row.Displayname = name
		row.NameQuality = quality
		row.NameSet = true
		row.LastSync = time.Now()
	})
}

// SyncPuppetAvatar uploads avatar and sets it on the ghost. avatar is either
// an mxc uri or an http(s) url; an unchanged avatar is skipped unless forced.
func (b *Bridge) SyncPuppetAvatar(ctx context.Context, p *Puppet, avatar string, force bool) error {
	if avatar == "" {
		return nil
	}
	cur := p.Snapshot()
	if !force && cur.AvatarSet && cur.Avatar == avatar {
		return nil
	}

	ghost, err := b.intents.Ghost(ctx, p.GhostMXID())
	if err != nil {
		return fmt.Errorf("ghost for %s: %w", p.UIN(), err)
	}

	uri := id.ContentURIString(avatar)
	if !strings.HasPrefix(avatar, "mxc://") {
		data, err := b.fetch(ctx, avatar)
		if err != nil {
			return fmt.Errorf("fetching avatar for %s: %w", p.UIN(), err)
		}
		uri, err = ghost.UploadMedia(ctx, data, http.DetectContentType(data), "avatar")
		if err != nil {
			return err
		}
	}
	if err := ghost.SetAvatarURL(ctx, uri); err != nil {
		return fmt.Errorf("setting avatar for %s: %w", p.UIN(), err)
	}

	return b.registry.UpdatePuppet(ctx, p, func(row *store.Puppet) {
		row.Avatar = avatar
		row.AvatarURL = string(uri)
		row.AvatarSet = true
	})
}

func (b *Bridge) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAvatarSize))
}

// SetDoublePuppet binds the puppet of the user's own WeChat account to a
// real Matrix account.
func (b *Bridge) SetDoublePuppet(ctx context.Context, u *User, token string) error {
	uin := u.UIN()
	if uin == "" {
		return errNotLoggedIn
	}
	// Validates the token shape before anything is stored.
	if _, err := b.intents.Custom(u.MXID(), token); err != nil {
		return err
	}
	p, err := b.registry.GetPuppetByUIN(ctx, uin)
	if err != nil {
		return err
	}
	return b.registry.UpdatePuppet(ctx, p, func(row *store.Puppet) {
		row.CustomMXID = u.MXID().String()
		row.AccessToken = token
	})
}
