// ABOUTME: Minimal fake WeChat agent for E2E testing, connects to the bridge over WebSocket
// ABOUTME: Usage: fake-agent [--addr ws://localhost:20572/] [--secret S] [--uin wxid_fake]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	"github.com/2389/matrix-wechat/internal/agent"
)

func main() {
	addr := pflag.String("addr", "ws://localhost:20572/", "bridge agent listener URL")
	secret := pflag.String("secret", os.Getenv("MATRIX_WECHAT_AGENT_SECRET"), "shared secret (bridge.listen_secret)")
	uin := pflag.String("uin", "wxid_fake", "WeChat id of the simulated account")
	name := pflag.String("name", "Fake WeChat", "display name of the simulated account")
	loggedIn := pflag.Bool("logged-in", false, "start already logged in instead of asking for a QR scan")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sim := newSimulator(*uin, *name, *loggedIn)
	if err := run(ctx, *addr, *secret, sim, logger); err != nil {
		logger.Error("fake agent stopped", "error", err)
		os.Exit(1)
	}
}

// run connects to the bridge and serves requests until ctx is done or the
// connection closes.
func run(ctx context.Context, addr, secret string, sim *simulator, logger *slog.Logger) error {
	ws, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Basic " + secret}},
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.CloseNow()
	logger.Info("connected to bridge", "addr", addr, "uin", sim.uin)

	var writeMu sync.Mutex
	write := func(f agent.Frame) {
		data, err := json.Marshal(f)
		if err != nil {
			logger.Error("encoding frame", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			logger.Warn("write failed", "error", err)
		}
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		var f agent.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != agent.FrameRequest {
			logger.Warn("ignoring frame", "error", err)
			continue
		}
		resp, echo := sim.handle(f)
		logger.Info("request", "id", f.ID, "type", resp.Type, "mxid", f.MXID)
		write(responseFrame(f, resp))

		if echo != nil {
			// Small delay so the echo lands after the bridge recorded its send
			go func() {
				time.Sleep(50 * time.Millisecond)
				write(pushFrame(f.MXID, echo))
			}()
		}
	}
}

func responseFrame(req agent.Frame, resp *agent.Response) agent.Frame {
	data, _ := json.Marshal(resp)
	return agent.Frame{ID: req.ID, MXID: req.MXID, Type: agent.FrameResponse, Data: data}
}

func pushFrame(mxid string, ev *agent.Event) agent.Frame {
	data, _ := json.Marshal(agent.Request{Type: agent.RequestEvent, Data: ev})
	return agent.Frame{MXID: mxid, Type: agent.FrameRequest, Data: data}
}

var errUnsupported = errors.New("unsupported by fake agent")
