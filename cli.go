package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/followbridge/activitypub"
	"github.com/deemkeen/followbridge/cache"
	"github.com/deemkeen/followbridge/db"
	"github.com/deemkeen/followbridge/domain"
	"github.com/deemkeen/followbridge/follow"
	"github.com/deemkeen/followbridge/indieauth"
	"github.com/deemkeen/followbridge/util"
	"github.com/deemkeen/followbridge/web"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	conf   *util.AppConfig
	logger *zap.SugaredLogger

	rootCmd = &cobra.Command{
		Use:   util.Name,
		Short: "Follow fediverse accounts from your own website",
		Long: `followbridge lets anyone who can sign in with IndieAuth follow and
unfollow ActivityPub accounts as their own domain.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}

			var err error
			conf, err = util.ReadConf(configPath)
			if err != nil {
				return err
			}
			logger, err = util.NewLogger(conf.Conf.Debug)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the web server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.Open(conf.Conf.Database, logger)
			if err != nil {
				return err
			}
			logger.Infof("Database: %s is up to date", conf.Conf.Database)
			return store.Close()
		},
	}

	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manage the domains followbridge acts for",
	}

	userAddCmd = &cobra.Command{
		Use:   "add <domain>",
		Short: "Provision a user and its signing key",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserAdd,
	}

	userUseInsteadCmd = &cobra.Command{
		Use:   "use-instead <domain> [target]",
		Short: "Make a domain act as another one; omit target to clear",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runUseInstead,
	}

	userListCmd = &cobra.Command{
		Use:   "list",
		Short: "List provisioned users",
		Args:  cobra.NoArgs,
		RunE:  runUserList,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or ~/.config/followbridge/config.yaml)")
	rootCmd.Version = util.GetVersion()

	userCmd.AddCommand(userAddCmd, userUseInsteadCmd, userListCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, userCmd)
}

func openStore() (*db.DB, error) {
	return db.Open(conf.Conf.Database, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Infof("Starting %s", util.GetNameAndVersion())

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var c cache.Cache = cache.NewMemory()
	if conf.Conf.RedisAddr != "" {
		if c, err = cache.New(conf.Conf.RedisAddr); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", conf.Conf.RedisAddr, err)
		}
		if closer, ok := c.(io.Closer); ok {
			defer closer.Close()
		}
	}

	client := activitypub.NewHTTPClient(conf.Conf.RequestTimeout)
	resolver := activitypub.NewResolver(client, c, conf.Conf.DiscoveryCacheTTL, logger)
	fetcher := activitypub.NewFetcher(store, client, conf.Conf.ActorCacheTTL, logger)
	delivery := activitypub.NewDelivery(client, logger)
	builder := activitypub.Builder{Origin: conf.Conf.Origin}

	flows := follow.NewService(store, resolver, fetcher, delivery, builder, logger)
	auth := indieauth.NewClient(client, conf.Conf.IndieAuthUrl, logger)

	server, err := web.NewServer(conf, store, flows, resolver, auth, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	userDomain, err := indieauth.Domain(args[0])
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := util.GeneratePemKeypair(util.KeyBits)
	if err != nil {
		return err
	}
	if err := store.CreateUser(cmd.Context(), &domain.User{
		Domain:     userDomain,
		PublicKey:  keys.Public,
		PrivateKey: keys.Private,
	}); err != nil {
		return fmt.Errorf("failed to create user %s: %w", userDomain, err)
	}

	builder := activitypub.Builder{Origin: conf.Conf.Origin}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s, actor %s\n", userDomain, builder.UserURL(userDomain))
	return nil
}

func runUseInstead(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var target string
	if len(args) == 2 {
		target = args[1]
	}
	if err := store.SetUseInstead(cmd.Context(), args[0], target); err != nil {
		return err
	}

	if target == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s acts as itself\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s now acts as %s\n", args[0], target)
	}
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := store.ReadUsers(cmd.Context())
	if err != nil {
		return err
	}
	for _, user := range users {
		line := user.Domain
		if user.UseInstead != "" {
			line += " -> " + user.UseInstead
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
