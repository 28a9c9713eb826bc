package rcon

import (
	"context"
)

// `Dialer` opens a fresh connection per command.  The daemon runs for weeks
// while the writer may be restarted at any time; a per-command dial avoids
// keeping stale connections around.
type Dialer struct {
	Addr     string
	Password string
}

func (d *Dialer) SendCommand(ctx context.Context, cmd string) (string, error) {
	c, err := Dial(ctx, d.Addr, d.Password)
	if err != nil {
		return "", err
	}
	defer func() { _ = c.Close() }()
	return c.SendCommand(ctx, cmd)
}
