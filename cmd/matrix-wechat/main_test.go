// ABOUTME: Tests for the matrix-wechat CLI
// ABOUTME: Subcommands, registration output and logger formatting

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/matrix-wechat/internal/appservice"
	"github.com/2389/matrix-wechat/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, err := execute(t, "init", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	_, err = execute(t, "init", "-c", path)
	require.ErrorIs(t, err, config.ErrExists)
	assert.Contains(t, err.Error(), "--force")

	_, err = execute(t, "init", "-c", path, "--force")
	require.NoError(t, err)
}

func TestGenerateRegistration(t *testing.T) {
	t.Setenv("MATRIX_WECHAT_AS_TOKEN", "")
	t.Setenv("MATRIX_WECHAT_HS_TOKEN", "")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	regPath := filepath.Join(dir, "registration.yaml")

	_, err := execute(t, "init", "-c", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "generate-registration", "-c", cfgPath, "-r", regPath)
	require.NoError(t, err)
	assert.Contains(t, out, "MATRIX_WECHAT_AS_TOKEN=")

	reg, err := appservice.LoadRegistration(regPath)
	require.NoError(t, err)
	assert.Equal(t, "wechat", reg.ID)
	assert.Equal(t, "wechatbot", reg.SenderLocalpart)
	assert.Len(t, reg.ASToken, 64)
	assert.NotEqual(t, reg.ASToken, reg.HSToken)
	require.Len(t, reg.Namespaces.Users, 2)
	assert.Equal(t, `^@wechat_.+:example\.org$`, reg.Namespaces.Users[0].Regex)
	assert.Contains(t, out, reg.ASToken)
}

func TestGenerateRegistrationKeepsTokens(t *testing.T) {
	t.Setenv("MATRIX_WECHAT_AS_TOKEN", "as-secret")
	t.Setenv("MATRIX_WECHAT_HS_TOKEN", "hs-secret")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	regPath := filepath.Join(dir, "registration.yaml")

	_, err := execute(t, "init", "-c", cfgPath)
	require.NoError(t, err)
	out, err := execute(t, "g", "-c", cfgPath, "-r", regPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "MATRIX_WECHAT_AS_TOKEN=")

	reg, err := appservice.LoadRegistration(regPath)
	require.NoError(t, err)
	assert.Equal(t, "as-secret", reg.ASToken)
	assert.Equal(t, "hs-secret", reg.HSToken)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("MATRIX_WECHAT_AS_TOKEN", "")
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	_, err := execute(t, "init", "-c", cfgPath)
	require.NoError(t, err)

	_, err = execute(t, "run", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestColorLogger(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.With("component", "bridge", "room", "!r:example.org").Warn("slow", "ms", 250)
	logger.Error("send failed", "error", errors.New("boom"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN [bridge] slow room=!r:example.org ms=250\n")
	assert.Contains(t, out, "ERR send failed error=boom\n")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "user", "@alice:example.org")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "@alice:example.org", rec["user"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"} {
		assert.Equal(t, want, parseLevel(in).String(), in)
	}
}

func TestLocalAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:17778", localAddr("0.0.0.0", 17778))
	assert.Equal(t, "10.0.0.2:1", localAddr("10.0.0.2", 1))
	assert.True(t, strings.HasPrefix(localAddr("", 5), "127.0.0.1"))
}
