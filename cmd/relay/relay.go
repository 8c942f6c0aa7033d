// Program relay is a command-line utility for running and using a relay hub.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/relay"
	"github.com/creachadair/relay/channel"
	"github.com/creachadair/relay/handler"
	"github.com/creachadair/relay/peers"
	"github.com/creachadair/relay/server"
	"github.com/creachadair/taskgroup"
	"github.com/jpillora/backoff"
	"github.com/jpillora/requestlog"
)

var serveFlags struct {
	Addr          string        `flag:"addr,default=localhost:8080,Service address"`
	Discipline    string        `flag:"discipline,default=single,Call matching discipline (single or queued)"`
	ProbeInterval time.Duration `flag:"probe-interval,default=15s,Interval between liveness probes (negative to disable)"`
	ProbeTimeout  time.Duration `flag:"probe-timeout,default=5s,Longest wait to send a liveness probe before evicting"`
	CallTimeout   time.Duration `flag:"call-timeout,default=30s,Default call timeout"`
	Debug         bool          `flag:"debug,Enable debug logging"`
}

var clientFlags struct {
	Server string `flag:"server,default=ws://localhost:8080,Relay server base URL"`
	ID     string `flag:"id,Client identity (required)"`
	Debug  bool   `flag:"debug,Enable debug logging"`
}

var callFlags struct {
	Server  string        `flag:"server,default=http://localhost:8080,Relay server base URL"`
	Timeout time.Duration `flag:"timeout,Call timeout (default: server setting)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and interact with a relay hub.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a relay hub with an HTTP front end.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name: "client",
				Help: `Connect to a relay hub as a client.

The client answers the following requests:

  GET  /status  : report the client identity and uptime
  POST /echo    : reply with the request body

If the connection drops, the client reconnects with exponential backoff.
`,
				SetFlags: command.Flags(flax.MustBind, &clientFlags),
				Run:      runClient,
			},
			{
				Name:  "call",
				Usage: "<client-id> <method> <endpoint> [body-json]",
				Help: `Call a connected client through a relay hub.

The reply from the client is printed to stdout as JSON.
`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx).MergeFlags(true), os.Args[1:])
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	disc, err := relay.ParseDiscipline(serveFlags.Discipline)
	if err != nil {
		return env.Usagef("invalid -discipline: %v", err)
	}
	log := newLogger(serveFlags.Debug)
	ctx, cancel := context.WithCancel(env.Context())
	defer cancel()

	hub := relay.NewHub(&relay.Options{
		Discipline:    disc,
		CallTimeout:   serveFlags.CallTimeout,
		ProbeInterval: serveFlags.ProbeInterval,
		ProbeTimeout:  serveFlags.ProbeTimeout,
		Logger:        log,
	}).Start()
	expvar.Publish("relay", hub.Metrics())

	srv := server.New(hub, &server.Options{Logger: log})
	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("GET /debug/vars", expvar.Handler())

	var h http.Handler = mux
	if serveFlags.Debug {
		h = requestlog.Wrap(h)
	}

	lst, err := net.Listen("tcp", serveFlags.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	hsrv := &http.Server{Handler: h}
	log.Info("relay server listening", "addr", lst.Addr().String(), "discipline", disc.String())

	g := taskgroup.New(func(err error) {
		log.Error("server failed", "error", err)
		cancel()
	})
	g.Go(func() error { return peers.Loop(ctx, srv, hub) })
	g.Go(func() error {
		if err := hsrv.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info("shutting down")
	sctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	hsrv.Shutdown(sctx)
	srv.Close()
	herr := hub.Stop()
	return errors.Join(g.Wait(), herr)
}

func runClient(env *command.Env) error {
	if clientFlags.ID == "" {
		return env.Usagef("a client -id is required")
	}
	log := newLogger(clientFlags.Debug).With("client", clientFlags.ID)
	ctx := env.Context()
	addr := strings.TrimSuffix(clientFlags.Server, "/") + "/ws/" + url.PathEscape(clientFlags.ID)

	start := time.Now()
	mux := new(handler.Mux).
		Handle("GET", "/status", handler.ResultError(func(context.Context) (map[string]any, error) {
			return map[string]any{
				"code":   http.StatusOK,
				"client": clientFlags.ID,
				"uptime": time.Since(start).Round(time.Second).String(),
			}, nil
		})).
		Handle("POST", "/echo", handler.ParamResult(func(_ context.Context, body json.RawMessage) json.RawMessage {
			return body
		}))

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		ch, err := channel.Dial(ctx, addr, nil)
		if err == nil {
			log.Info("connected", "server", addr)
			b.Reset()
			err = handler.Serve(ctx, ch, mux.Dispatch)
			ch.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := b.Duration()
		log.Warn("connection lost, retrying", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 || len(env.Args) > 4 {
		return env.Usagef("wrong number of arguments")
	}
	req := handler.Request{Method: env.Args[1], Endpoint: env.Args[2]}
	if len(env.Args) == 4 {
		if !json.Valid([]byte(env.Args[3])) {
			return fmt.Errorf("body is not valid JSON: %q", env.Args[3])
		}
		req.Body = json.RawMessage(env.Args[3])
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	u := strings.TrimSuffix(callFlags.Server, "/") + "/call/" + url.PathEscape(env.Args[0])
	if callFlags.Timeout > 0 {
		u += "?timeout=" + url.QueryEscape(callFlags.Timeout.String())
	}
	hreq, err := http.NewRequestWithContext(env.Context(), http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	rsp, err := http.DefaultClient.Do(hreq)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	defer rsp.Body.Close()
	data, err := io.ReadAll(rsp.Body)
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if rsp.StatusCode != http.StatusOK {
		var e server.ErrorResult
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("call failed (%s): %s", rsp.Status, e.Error)
		}
		return fmt.Errorf("call failed (%s)", rsp.Status)
	}

	var res server.CallResult
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("invalid reply: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, res.Result, "", "  "); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}
	fmt.Println(out.String())
	return nil
}
