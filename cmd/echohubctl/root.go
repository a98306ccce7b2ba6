package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huebyte/echohub/db"
)

type app struct {
	cfgFile string
	debug   bool
	v       *viper.Viper
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout}
	root := &cobra.Command{
		Use:           "echohubctl",
		Short:         "Administer an EchoHub chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lvl := slog.LevelInfo
			if a.debug {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))
			a.out = cmd.OutOrStdout()

			v, err := loadSettings(a.cfgFile)
			if err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("dsn"); f != nil && f.Changed {
				v.Set("database.dsn", f.Value.String())
			}
			a.v = v
			slog.Debug("settings loaded", slog.String("config", a.cfgFile))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", defaultConfigFile(), "config file")
	root.PersistentFlags().String("dsn", "", "Postgres DSN (overrides config and DB_DSN)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Print debugging information")

	root.AddCommand(
		a.migrateCmd(),
		a.userCmd(),
		a.channelCmd(),
		a.messagesCmd(),
		a.tokenCmd(),
	)
	return root
}

// openStore connects to Postgres. The returned func closes the pool.
func (a *app) openStore(ctx context.Context) (*db.Store, func(), error) {
	database, err := db.Connect(ctx, a.v.GetString("database.dsn"), db.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	return db.NewStore(database), closer, nil
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}
