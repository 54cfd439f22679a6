package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/NicolasHaas/reverb/pkg/auth"
	"github.com/NicolasHaas/reverb/pkg/datastore"
	"github.com/NicolasHaas/reverb/pkg/logging"
	"github.com/NicolasHaas/reverb/pkg/model"
	"github.com/NicolasHaas/reverb/pkg/server"
	"github.com/NicolasHaas/reverb/pkg/version"
)

// passwordEnv is read by -add-user when -password is empty.
const passwordEnv = "REVERB_PASSWORD"

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.BoolVar(&cfg.TLS, "tls", false, "Serve TLS (self-signed certificate generated if none is given)")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", ".", "Data directory for generated files")
	flag.StringVar(&cfg.ChannelsFile, "channels-file", "", "YAML file defining channels to create on startup")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Maximum concurrent connections (0 = unlimited)")
	flag.IntVar(&cfg.MaxFrameSize, "max-frame", cfg.MaxFrameSize, "Maximum frame payload size in bytes")
	flag.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Per-session outbound queue capacity")
	flag.DurationVar(&cfg.ReliableTimeout, "reliable-timeout", cfg.ReliableTimeout, "How long a control message waits for queue space before the recipient is dropped")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Socket write deadline per frame")
	flag.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "Time allowed to log in after connecting")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.ExportChannels, "export-channels", false, "Export all channels as YAML and exit")

	addUser := flag.String("add-user", "", "Register a user and exit")
	password := flag.String("password", "", "Password for -add-user (default: $"+passwordEnv+")")
	setRole := flag.String("set-role", "", "Change an existing user's role to -role and exit")
	role := flag.String("role", "user", "Role for -add-user and -set-role: user, moderator, admin")
	showVersion := flag.Bool("version", false, "Print version and exit")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.New(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	credentials, err := auth.NewStore(st, auth.Options{})
	if err != nil {
		_ = st.Close()
		slog.Error("init credential store", "err", err)
		os.Exit(1)
	}

	// Handle CLI actions (run and exit)
	if *addUser != "" || *setRole != "" || cfg.ExportUsers || cfg.ExportChannels {
		err := runAction(cfg, st, credentials, *addUser, *password, *setRole, *role)
		_ = st.Close()
		if err != nil {
			slog.Error("command failed", "err", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.Dependencies{Store: st, Verifier: credentials})
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func runAction(cfg server.Config, st datastore.DataStore, credentials *auth.Store, username, password, setRole, roleName string) error {
	if username != "" {
		if password == "" {
			password = os.Getenv(passwordEnv)
		}
		if password == "" {
			return fmt.Errorf("add user: no password given (use -password or $%s)", passwordEnv)
		}
		r, err := model.LookupRole(roleName)
		if err != nil {
			return fmt.Errorf("add user: %w", err)
		}
		u, err := credentials.Register(context.Background(), username, password, r)
		if err != nil {
			return err
		}
		slog.Info("user registered", "username", u.Username, "role", u.Role.String(), "id", u.ID)
	}
	if setRole != "" {
		r, err := model.LookupRole(roleName)
		if err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		u, err := st.GetUserByUsername(setRole)
		if err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		if u == nil {
			return fmt.Errorf("set role: no user %q", setRole)
		}
		if err := st.UpdateUserRole(u.ID, r); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		slog.Info("role updated", "username", u.Username, "from", u.Role.String(), "to", r.String())
	}
	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(st)
		if err != nil {
			return fmt.Errorf("export users: %w", err)
		}
		fmt.Print(string(data))
	}
	if cfg.ExportChannels {
		data, err := server.ExportChannelsYAML(st)
		if err != nil {
			return fmt.Errorf("export channels: %w", err)
		}
		fmt.Print(string(data))
	}
	return nil
}
