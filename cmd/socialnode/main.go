package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/spf13/cobra"

	"github.com/nodecore/socialnode/internal/auth"
	"github.com/nodecore/socialnode/internal/certgen"
	"github.com/nodecore/socialnode/internal/command"
	"github.com/nodecore/socialnode/internal/config"
	"github.com/nodecore/socialnode/internal/dbconn"
	"github.com/nodecore/socialnode/internal/dispatch"
	"github.com/nodecore/socialnode/internal/notify"
	"github.com/nodecore/socialnode/internal/reactor"
	"github.com/nodecore/socialnode/internal/version"
	"github.com/nodecore/socialnode/internal/wsbridge"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "socialnode",
		Short:   "Request-dispatch core for a social-blockchain node",
		Version: version.Version,
	}

	rootCmd.AddCommand(serveCmd(), genAuthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node's sockets, pods, and notification fan-out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", ".", "directory to search for a socialnode config file")
	return cmd
}

// runServe wires the node together: config, auth, the JSON-RPC pod, the
// notification registry and its WebSocket bridge, and the reactor's
// logical sockets. It does not start a block processor or a WebRTC
// negotiator. It then blocks until an interrupt signal
// drives the ordered shutdown sequence (interrupt pods, stop the
// reactor, join pod workers).
func runServe(configDir string) error {
	log := slog.Default()

	cfg, name, err := config.Load(configDir)
	if err != nil {
		if err != config.ErrNoConfig {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Default()
		log.Info("no config file found, using defaults")
	} else {
		log.Info("loaded config", "file", name)
	}

	authorizer, err := buildAuthorizer(cfg, log)
	if err != nil {
		return err
	}

	router := dispatch.NewRouter(log)
	dbOpen := dbconn.NewOpener(cfg.DataDir + "/socialnode.db")

	rpcTuning := cfg.PodTuning("rpc")
	rpcPod := dispatch.NewPod("rpc", rpcTuning.MaxDepth, func() (any, func(), error) {
		return dbOpen()
	}, log)
	rpcTable := command.DefaultTable(command.BuildInfo{Version: version.Version})
	rpcPod.HandleExact("/", requireAuth(authorizer, command.NewTableHandler(rpcTable)))
	router.Register(rpcPod)

	registry := notify.NewRegistry(log)
	protocol := notify.NewProtocol(registry, func() int { return 0 }, log)
	wsHandler := wsbridge.NewHandler(protocol, log)

	router.StartAll(map[string]int{"rpc": rpcTuning.ThreadCount})

	acl := reactor.NewACL(cfg.AllowedCIDRs)
	rx := reactor.New(router, acl, cfg.HTTPTimeout.Duration(), log)

	if err := bindSockets(rx, cfg, wsHandler); err != nil {
		return err
	}
	if err := rx.Start(); err != nil {
		return fmt.Errorf("start reactor: %w", err)
	}

	log.Info("socialnode serving", "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	for _, pod := range router.Pods() {
		pod.Interrupt()
	}
	if err := rx.Shutdown(context.Background()); err != nil {
		log.Warn("reactor shutdown error", "error", err)
	}
	router.StopAll()
	return nil
}

// buildAuthorizer configures the private socket's Authorizer from
// whichever mechanisms cfg.Auth enables: when a cookie file is configured
// a fresh cookie is written at every startup, and it is accepted alongside
// the static user:pass and the rpcauth entries.
func buildAuthorizer(cfg *config.Config, log *slog.Logger) (*auth.Authorizer, error) {
	var entries []auth.RPCAuthEntry
	for _, line := range cfg.Auth.RPCAuth {
		entry, err := auth.ParseRPCAuthEntry(line)
		if err != nil {
			return nil, fmt.Errorf("parse rpcauth entry: %w", err)
		}
		entries = append(entries, entry)
	}

	var cookieUser, cookiePass string
	if cfg.Auth.CookieFile != "" {
		_, path, err := auth.GenerateCookie(cfg.DataDir, cfg.Auth.CookieFile, log)
		if err != nil {
			return nil, fmt.Errorf("generate auth cookie: %w", err)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read auth cookie: %w", err)
		}
		cookieUser, cookiePass, _ = strings.Cut(string(raw), ":")
		log.Info("wrote rpc auth cookie", "path", path)
	}

	return auth.New(cookieUser, cookiePass, cfg.Auth.User, cfg.Auth.Pass, entries, log), nil
}

// requireAuth wraps next so the private RPC pod rejects any request whose
// Basic-auth credentials the authorizer does not accept, mirroring
// Authorizer::RPCAuthorized gating rpchandler before the command table
// ever runs.
func requireAuth(authorizer *auth.Authorizer, next dispatch.Handler) dispatch.HandlerFunc {
	return func(ctx context.Context, pathTail string, req *dispatch.Request, reply dispatch.ReplyGateway, resource any) {
		user, pass, ok := reply.ReadAuthCredentials()
		if !ok || authorizer.Check(user+":"+pass) != nil {
			reply.WriteHeader("WWW-Authenticate", `Basic realm="jsonrpc"`)
			reply.WriteReply(401, []byte("unauthorized"))
			return
		}
		next.Exec(ctx, pathTail, req, reply, resource)
	}
}

// bindSockets binds every configured logical socket: private RPC (ACL
// enforced), public web, public web over TLS (a freshly generated
// self-signed certificate per §5), static, and REST. Both public web
// sockets (plain and TLS) also carry the WebSocket bridge as a raw path, since a
// WebSocket upgrade needs direct access to the connection the dispatch
// abstraction intentionally hides.
func bindSockets(rx *reactor.Reactor, cfg *config.Config, wsHandler *wsbridge.Handler) error {
	sockets := []struct {
		sc       config.SocketConfig
		name     string
		public   bool
		rawPaths map[string]bool
	}{
		{cfg.PrivateRPC, "private-rpc", false, nil},
		{cfg.PublicWeb, "public-web", true, map[string]bool{"/ws": true}},
		{cfg.PublicTLS, "public-web-tls", true, map[string]bool{"/ws": true}},
		{cfg.Static, "static", true, nil},
		{cfg.REST, "rest", true, nil},
	}

	for _, s := range sockets {
		for _, host := range s.sc.Hosts {
			socket := reactor.Socket{
				Name:         s.name,
				Addr:         fmt.Sprintf("%s:%d", host, s.sc.Port),
				PublicAccess: s.public,
			}
			if s.sc.TLS {
				tc, err := certgen.Config()
				if err != nil {
					return fmt.Errorf("generate tls config for %s: %w", s.name, err)
				}
				socket.TLSConfig = tc
			}
			if s.rawPaths["/ws"] {
				socket.RawPaths = map[string]http.Handler{"/ws": wsHandler}
			}
			if err := rx.AddSocket(socket); err != nil {
				return err
			}
		}
	}
	return nil
}

func genAuthCmd() *cobra.Command {
	var credName string
	cmd := &cobra.Command{
		Use:   "genauth",
		Short: "Generate an rpcauth config line from a password prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if credName == "" {
				return fmt.Errorf("--name is required")
			}
			fmt.Fprint(os.Stderr, "Password: ")
			passBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			saltBytes := make([]byte, 16)
			if _, err := rand.Read(saltBytes); err != nil {
				return fmt.Errorf("generate salt: %w", err)
			}
			salt := hex.EncodeToString(saltBytes)
			hash := auth.HashPassword(salt, string(passBytes))
			fmt.Printf("%s:%s$%s\n", credName, salt, hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&credName, "name", "", "credential name")
	return cmd
}
