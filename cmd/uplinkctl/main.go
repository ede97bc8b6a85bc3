// Command uplinkctl talks to a running uplinkd.
//
//	uplinkctl [flags] deliver <host:port> <payload> [correlation-id]
//	uplinkctl [flags] stats | health | reset | ping
//	uplinkctl [flags] close <host:port>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"gps-uplink/client"
	"gps-uplink/config"
	"gps-uplink/endpoint"
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("uplinkctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := fs.String("socket", config.Load().SocketPath, "unix socket of uplinkd")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: uplinkctl [flags] deliver <host:port> <payload> [correlation-id]")
		fmt.Fprintln(stderr, "       uplinkctl [flags] stats | health | reset | ping | close <host:port>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	c, err := client.Dial("unix", *socket, client.Options{PoolSize: 1})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := execute(ctx, c, fs.Arg(0), fs.Args()[1:])
	if errors.Is(err, errUsage) {
		fs.Usage()
		return 2
	}
	if out != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, c *client.Client, cmd string, args []string) (any, error) {
	switch cmd {
	case "deliver":
		if len(args) < 2 || len(args) > 3 {
			return nil, errUsage
		}
		ep, err := endpoint.Parse(args[0])
		if err != nil {
			return nil, err
		}
		var corr string
		if len(args) == 3 {
			corr = args[2]
		}
		o := c.Deliver(ctx, ep.Host, ep.Port, args[1], corr)
		return o, o.Err
	case "stats":
		return c.Stats(ctx)
	case "health":
		return c.Health(ctx)
	case "close":
		if len(args) != 1 {
			return nil, errUsage
		}
		ep, err := endpoint.Parse(args[0])
		if err != nil {
			return nil, err
		}
		n, err := c.CloseConnection(ctx, ep.Host, ep.Port)
		if err != nil {
			return nil, err
		}
		return map[string]any{"endpoint": ep.Key(), "closed": n}, nil
	case "reset":
		return nil, c.ResetStats(ctx)
	case "ping":
		return c.Ping(ctx)
	default:
		return nil, errUsage
	}
}
