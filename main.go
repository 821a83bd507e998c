// Package main is the EverMeet plate server entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"evermeet/account"
	"evermeet/config"
	"evermeet/db"
	"evermeet/logging"
	"evermeet/metrics"
	"evermeet/models"
	"evermeet/plate"
	"evermeet/redisstore"
	"evermeet/server"
	"evermeet/session"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "evermeet",
		Short:         "EverMeet plate server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Starts the plate server.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Reads and writes user records in the account store.",
	}

	userPutCmd = &cobra.Command{
		Use:   "put",
		Short: "Creates or overwrites a user.",
		Args:  cobra.NoArgs,
		RunE:  runUserPut,
	}

	userGetCmd = &cobra.Command{
		Use:   "get <user_id>",
		Short: "Prints a user as its stored field mapping.",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserGet,
	}

	ctlCmd = &cobra.Command{
		Use:   "ctl",
		Short: "Talks to a running server over its control socket.",
	}

	ctlStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints connection and session counts.",
		Args:  cobra.NoArgs,
		RunE:  runControl("stats"),
	}

	ctlShutdownCmd = &cobra.Command{
		Use:   "shutdown",
		Short: "Stops the server gracefully.",
		Args:  cobra.NoArgs,
		RunE:  runControl("shutdown"),
	}

	sendCmd = &cobra.Command{
		Use:   "send key=value...",
		Short: "Sends one plate message and prints the reply.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSend,
	}
)

var (
	putUser       models.User
	controlSocket string
	sendAddr      string
	sendUDP       bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("EVERMEET_CONFIG"), "path to the YAML configuration file")

	userPutCmd.Flags().Int64Var(&putUser.ID, "id", 0, "user id")
	userPutCmd.Flags().StringVar(&putUser.Name, "name", "", "user name")
	userPutCmd.Flags().StringVar(&putUser.Password, "password", "", "user password")
	userPutCmd.Flags().Int64SliceVar(&putUser.Friends, "friends", nil, "comma separated friend ids")
	userPutCmd.MarkFlagRequired("id")
	userPutCmd.MarkFlagRequired("name")
	userCmd.AddCommand(userPutCmd, userGetCmd)

	ctlCmd.PersistentFlags().StringVar(&controlSocket, "socket", "", "control socket path (defaults to the configured one)")
	ctlCmd.AddCommand(ctlStatsCmd, ctlShutdownCmd)

	sendCmd.Flags().StringVar(&sendAddr, "addr", "127.0.0.1:3215", "server address")
	sendCmd.Flags().BoolVar(&sendUDP, "udp", false, "send as a datagram")

	rootCmd.AddCommand(serveCmd, userCmd, ctlCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openStore opens the configured account backend behind a Gateway.
func openStore(cfg config.StoreConfig) (*account.Gateway, error) {
	var backend account.Backend
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		database, err := db.New(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
		}
		backend = database
	case config.DriverRedis:
		backend = redisstore.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	case config.DriverMemory:
		backend = account.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	return account.NewGateway(backend), nil
}

// openCheckedStore opens the store and fails if it does not answer a ping.
func openCheckedStore(ctx context.Context, cfg config.StoreConfig) (*account.Gateway, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("account store unreachable: %w", err)
	}
	return store, nil
}

type serviceStats struct {
	server.Stats
	Sessions int `json:"sessions"`
}

func (s serviceStats) String() string {
	return "connections=" + strconv.Itoa(s.Connections) + ",sessions=" + strconv.Itoa(s.Sessions)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("config_path", configPath),
		slog.String("mode", cfg.Server.Mode),
		slog.Int("port", cfg.Server.Port),
		slog.String("store", cfg.Store.Driver),
		slog.Duration("session_ttl", cfg.Session.GetTTL()),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openCheckedStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	table := session.NewTable(session.Config{
		TTL:           cfg.Session.GetTTL(),
		SweepInterval: cfg.Session.GetSweepInterval(),
		MaxSessions:   cfg.Session.MaxSessions,
		OnEvict:       m.RecordEvictions,
	}, logger)
	m.RegisterSessionGauge(table.Len)

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Mode:           cfg.Server.Mode,
		MaxConnections: cfg.Server.MaxConnections,
		MaxFrameSize:   cfg.Server.MaxFrameSize,
		ReadTimeout:    cfg.Server.GetReadTimeout(),
		WriteTimeout:   cfg.Server.GetWriteTimeout(),
		UDPWorkers:     cfg.Server.UDPWorkers,
		UDPQueueSize:   cfg.Server.UDPQueueSize,
	}, plate.NewService(table, store, logger), plate.JSONResponder{}, logger, m)

	snapshot := func() serviceStats {
		return serviceStats{Stats: srv.GetStats(), Sessions: table.Len()}
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start plate server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		table.Run(gctx)
		return nil
	})

	if cfg.Metrics.Enabled {
		httpSrv := metrics.NewHTTPServer(cfg.Metrics.Addr(), m, func() any { return snapshot() }, logger)
		if err := httpSrv.Start(); err != nil {
			cancel()
			srv.Stop()
			return fmt.Errorf("start http server: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return httpSrv.Stop(shutdownCtx)
		})
	}

	if cfg.Control.SocketPath != "" {
		ctl := newControlServer(cfg.Control.SocketPath, logger,
			func() string { return snapshot().String() }, cancel)
		if err := ctl.Listen(); err != nil {
			logger.Warn("Control socket disabled", slog.String("error", err.Error()))
		} else {
			g.Go(func() error { return ctl.Serve(gctx) })
		}
	}

	logger.Info("Service started, waiting for signals...")

	err = g.Wait()
	logger.Info("Starting graceful shutdown...")
	srv.Stop()

	final := snapshot()
	logger.Info("Service stopped",
		slog.Uint64("messages_handled", final.MessagesHandled),
		slog.Uint64("parse_errors", final.ParseErrors),
		slog.Int("sessions", final.Sessions),
	)
	return err
}

func runUserPut(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := openCheckedStore(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	user := putUser
	if user.Friends == nil {
		user.Friends = []int64{}
	}
	if err := store.Put(cmd.Context(), &user); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user %d saved\n", user.ID)
	return nil
}

func runUserGet(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := openCheckedStore(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	user, err := store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(user.Fields())
}

func runControl(command string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		path := controlSocket
		if path == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			path = cfg.Control.SocketPath
		}

		reply, err := sendControlCommand(path, command)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	reply, err := sendPlateMessage(sendAddr, sendUDP, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
