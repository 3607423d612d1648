// ABOUTME: Tests for registration file generation
// ABOUTME: Checks tokens, namespaces and the YAML save/load round trip

package appservice

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/matrix-wechat/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse(`
homeserver:
  address: "https://matrix.example.org"
  domain: "example.org"
appservice:
  address: "http://bridge:17778"
bridge:
  listen_secret: "s"
`, false)
	require.NoError(t, err)
	return cfg
}

func TestGenerateRegistration(t *testing.T) {
	cfg := testConfig(t)
	reg := GenerateRegistration(cfg)

	assert.Equal(t, "wechat", reg.ID)
	assert.Equal(t, "http://bridge:17778", reg.URL)
	assert.Equal(t, "wechatbot", reg.SenderLocalpart)
	assert.False(t, reg.RateLimited)
	assert.Len(t, reg.ASToken, 64)
	assert.Len(t, reg.HSToken, 64)
	assert.NotEqual(t, reg.ASToken, reg.HSToken)

	require.Len(t, reg.Namespaces.Users, 2)
	ghosts := regexp.MustCompile(reg.Namespaces.Users[0].Regex)
	assert.True(t, ghosts.MatchString("@wechat_wxid_abc:example.org"))
	assert.False(t, ghosts.MatchString("@wechat_bob:other.org"))
	assert.False(t, ghosts.MatchString("@alice:example.org"))
	bot := regexp.MustCompile(reg.Namespaces.Users[1].Regex)
	assert.True(t, bot.MatchString("@wechatbot:example.org"))
}

func TestGenerateRegistrationKeepsConfiguredTokens(t *testing.T) {
	cfg := testConfig(t)
	cfg.AppService.ASToken = "as"
	cfg.AppService.HSToken = "hs"
	reg := GenerateRegistration(cfg)
	assert.Equal(t, "as", reg.ASToken)
	assert.Equal(t, "hs", reg.HSToken)
}

func TestRegistrationSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registration.yaml")
	reg := GenerateRegistration(testConfig(t))
	require.NoError(t, reg.Save(path))

	loaded, err := LoadRegistration(path)
	require.NoError(t, err)
	assert.Equal(t, reg, loaded)
}
