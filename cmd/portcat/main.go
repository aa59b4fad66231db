// Command portcat is a diagnostic client for port services: it pings
// a service, issues one-off requests and tails event topics.
//
//	portcat ping <service>
//	portcat req <service> <json-payload>
//	portcat watch <service> <topic> [topic...]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quarzos/portkit/fdpass"
	"github.com/quarzos/portkit/internal/logging"
	"github.com/quarzos/portkit/port"
	"github.com/quarzos/portkit/portmap"
)

var log = logging.Component("portcat")

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("portcat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		timeout = fs.Duration("timeout", 10*time.Second, "per-request timeout")
		wait    = fs.Duration("wait", 0, "wait up to this long for the port to appear before dialing")
		path    = fs.String("path", "", "dial an explicit socket path instead of resolving the service name")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] <command> <service> ...\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Commands:")
		fmt.Fprintln(fs.Output(), "  ping <service>                 check the service answers and print its version")
		fmt.Fprintln(fs.Output(), "  req <service> <json-payload>   send one request and print the reply payload")
		fmt.Fprintln(fs.Output(), "  watch <service> <topic>...     subscribe and print events until interrupted")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	args := fs.Args()
	if len(args) < 2 {
		fs.Usage()
		return fmt.Errorf("expected a command and a service name")
	}
	cmd, service := args[0], args[1]

	cfg := port.DefaultConfig()
	cfg.RequestTimeout = *timeout
	cfg.ClientName = "portcat"

	c, err := connect(service, *path, *wait, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	log.Debug("connected to %s (server version %d)", service, c.ServerVersion())

	switch cmd {
	case "ping":
		return runPing(c)
	case "req":
		if len(args) < 3 {
			return fmt.Errorf("req needs a JSON payload argument")
		}
		return runReq(c, args[2])
	case "watch":
		if len(args) < 3 {
			return fmt.Errorf("watch needs at least one topic")
		}
		return runWatch(c, args[2:])
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// connect resolves the service to a socket path, optionally waits for
// the port to be bound, and dials it.
func connect(service, explicit string, wait time.Duration, cfg *port.Config) (*port.Client, error) {
	path := explicit
	if path == "" {
		resolved, err := portmap.Resolve(service)
		if err != nil {
			return nil, err
		}
		path = resolved
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		if err := portmap.WaitForPort(ctx, path); err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", path, err)
		}
	}

	return port.Dial(path, cfg)
}

func runPing(c *port.Client) error {
	start := time.Now()
	_, err := c.Request(context.Background(), map[string]any{"op": "ping"}, nil, nil)
	if err != nil {
		return err
	}
	fmt.Printf("ok: version %d, rtt %s\n", c.ServerVersion(), time.Since(start).Round(time.Microsecond))
	return nil
}

func runReq(c *port.Client, payload string) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	res, err := c.Request(context.Background(), json.RawMessage(payload), nil, nil)
	if err != nil {
		return err
	}
	if len(res.Files) > 0 {
		for _, d := range res.Files {
			fmt.Fprintf(os.Stderr, "received descriptor %q\n", d.Name())
		}
		fdpass.CloseAll(res.Files)
	}

	out, err := json.MarshalIndent(res.Payload, "", "  ")
	if err != nil {
		fmt.Println(string(res.Payload))
		return nil
	}
	fmt.Println(string(out))
	return nil
}

func runWatch(c *port.Client, topics []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	sub, err := c.Subscribe(topics...)
	if err != nil {
		return err
	}
	log.Info("watching %d topic(s)", len(topics))

	for {
		if ctx.Err() != nil {
			if n := sub.Dropped(); n > 0 {
				fmt.Fprintf(os.Stderr, "dropped %d event(s)\n", n)
			}
			return nil
		}
		if err := c.PollOnce(200 * time.Millisecond); err != nil {
			return err
		}
		for {
			var ev port.Event
			var ok bool
			select {
			case ev, ok = <-sub.Events():
			default:
				ok = false
			}
			if !ok {
				break
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev port.Event) {
	fmt.Printf("%s\t%s\n", ev.Topic, ev.Payload)
	for _, d := range ev.Files {
		fmt.Fprintf(os.Stderr, "  descriptor %q\n", d.Name())
	}
	fdpass.CloseAll(ev.Files)
}
