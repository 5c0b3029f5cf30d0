package network

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-routeros/routeros/v3"
)

// RouterOSConn holds connection settings for one MikroTik API endpoint.
type RouterOSConn struct {
	Address  string
	Username string
	Password string
	Timeout  time.Duration
}

// routerosCommands parameterizes the API paths that differ between the two
// user stores on the device; the command grammar is otherwise identical.
type routerosCommands struct {
	userPath   string
	activePath string
	activeKey  string
	service    string
}

var (
	pppoeCommands = routerosCommands{
		userPath:   "/ppp/secret",
		activePath: "/ppp/active",
		activeKey:  "name",
		service:    "pppoe",
	}
	hotspotCommands = routerosCommands{
		userPath:   "/ip/hotspot/user",
		activePath: "/ip/hotspot/active",
		activeKey:  "user",
	}
)

// RouterOSAdapter drives one MikroTik device over its API port. A fresh
// connection is dialed per operation; the API conversation is short and the
// device caps concurrent API sessions, so pooling buys nothing here.
type RouterOSAdapter struct {
	conn   RouterOSConn
	cmds   routerosCommands
	logger *slog.Logger
}

func NewPPPoEAdapter(conn RouterOSConn, logger *slog.Logger) *RouterOSAdapter {
	return &RouterOSAdapter{conn: conn, cmds: pppoeCommands, logger: logger}
}

func NewHotspotAdapter(conn RouterOSConn, logger *slog.Logger) *RouterOSAdapter {
	return &RouterOSAdapter{conn: conn, cmds: hotspotCommands, logger: logger}
}

func (a *RouterOSAdapter) dial() (*routeros.Client, error) {
	timeout := a.conn.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := routeros.DialTimeout(a.conn.Address, a.conn.Username, a.conn.Password, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial router %s: %w", a.conn.Address, err)
	}
	return client, nil
}

func (a *RouterOSAdapter) findID(client *routeros.Client, path, key, value string) (string, error) {
	reply, err := client.Run(path+"/print", "?"+key+"="+value)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", path, err)
	}
	if len(reply.Re) == 0 {
		return "", nil
	}
	return reply.Re[0].Map[".id"], nil
}

// EnsureEnabled creates the identity if missing, otherwise updates its
// profile and clears the disabled flag.
func (a *RouterOSAdapter) EnsureEnabled(ctx context.Context, identity, profile, password string) Result {
	client, err := a.dial()
	if err != nil {
		return Failure(err)
	}
	defer client.Close()

	id, err := a.findID(client, a.cmds.userPath, "name", identity)
	if err != nil {
		return Failure(err)
	}

	if id == "" {
		args := []string{
			a.cmds.userPath + "/add",
			"=name=" + identity,
			"=password=" + password,
			"=profile=" + profile,
			"=disabled=no",
		}
		if a.cmds.service != "" {
			args = append(args, "=service="+a.cmds.service)
		}
		if _, err := client.Run(args...); err != nil {
			return Failure(fmt.Errorf("create identity %s: %w", identity, err))
		}
		return Done("identity created")
	}

	args := []string{
		a.cmds.userPath + "/set",
		"=.id=" + id,
		"=profile=" + profile,
		"=disabled=no",
	}
	if password != "" {
		args = append(args, "=password="+password)
	}
	if _, err := client.Run(args...); err != nil {
		return Failure(fmt.Errorf("update identity %s: %w", identity, err))
	}
	return Done("identity updated")
}

// Disable flags the identity off on the device. Missing identities are
// reported as skipped so expiry sweeps stay quiet for rows that were never
// pushed to the device.
func (a *RouterOSAdapter) Disable(ctx context.Context, identity string) Result {
	client, err := a.dial()
	if err != nil {
		return Failure(err)
	}
	defer client.Close()

	id, err := a.findID(client, a.cmds.userPath, "name", identity)
	if err != nil {
		return Failure(err)
	}
	if id == "" {
		return Skip("identity not present on device")
	}

	if _, err := client.Run(a.cmds.userPath+"/set", "=.id="+id, "=disabled=yes"); err != nil {
		return Failure(fmt.Errorf("disable identity %s: %w", identity, err))
	}
	return Done("identity disabled")
}

// DisconnectSessions terminates every live session for the identity.
func (a *RouterOSAdapter) DisconnectSessions(ctx context.Context, identity string) Result {
	client, err := a.dial()
	if err != nil {
		return Failure(err)
	}
	defer client.Close()

	reply, err := client.Run(a.cmds.activePath+"/print", "?"+a.cmds.activeKey+"="+identity)
	if err != nil {
		return Failure(fmt.Errorf("list sessions for %s: %w", identity, err))
	}
	if len(reply.Re) == 0 {
		return Skip("no active sessions")
	}

	for _, re := range reply.Re {
		sessionID := re.Map[".id"]
		if sessionID == "" {
			continue
		}
		if _, err := client.Run(a.cmds.activePath+"/remove", "=.id="+sessionID); err != nil {
			return Failure(fmt.Errorf("terminate session %s for %s: %w", sessionID, identity, err))
		}
	}
	return Done(fmt.Sprintf("terminated %d sessions", len(reply.Re)))
}
