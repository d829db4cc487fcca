package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

var opts cliOptions

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tmpbox",
	Short:        "Share files for a limited time",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var useraddCmd = &cobra.Command{
	Use:   "useradd <user_id>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		admin, _ := cmd.Flags().GetBool("admin")
		displayName, _ := cmd.Flags().GetString("display-name")
		generate, _ := cmd.Flags().GetBool("generate")

		var password string
		if generate {
			password, err = generatePassword(env.config.PasswordLength)
		} else {
			password, err = promptPassword("Password")
		}
		if err != nil {
			return err
		}

		account, err := NewAccountService(env.db).Create(cmd.Context(), AccountInput{
			UserID:      args[0],
			DisplayName: displayName,
			Password:    password,
			IsAdmin:     admin,
		})
		if err != nil {
			return err
		}

		env.log.Info("account created", zap.String("user_id", account.UserID), zap.Bool("is_admin", account.IsAdmin))
		fmt.Fprintf(cmd.OutOrStdout(), "Created account %s\n", account.UserID)
		if generate {
			fmt.Fprintf(cmd.OutOrStdout(), "Password: %s\n", password)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired sessions and the content of inactive files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		sys, err := loadSystemData(env.db, env.config.SessionExpiresMinutes)
		if err != nil {
			return err
		}
		clock := realClock{}
		auth := NewAuthService(env.db, sys, clock, env.log.Named("auth"))
		return housekeep(cmd.Context(), auth, NewFileService(env.db, clock), env.store, env.log)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to the config file (default config.toml)")
	flags.StringVarP(&opts.bind, "bind", "b", "", "address to listen on")
	flags.StringVarP(&opts.databasePath, "database", "d", "", "path to the SQLite database")
	flags.StringVarP(&opts.uploadDir, "upload-dir", "u", "", "directory for uploaded content")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	useraddCmd.Flags().Bool("admin", false, "grant administrator rights")
	useraddCmd.Flags().String("display-name", "", "name shown in the web interface")
	useraddCmd.Flags().Bool("generate", false, "generate a password and print it")

	rootCmd.AddCommand(serveCmd, useraddCmd, cleanupCmd)
}

// environment holds what every command needs.
type environment struct {
	config Config
	log    *zap.Logger
	db     *gorm.DB
	store  *BlobStore
}

func setup(cmd *cobra.Command) (*environment, error) {
	opts.configFileSet = cmd.Flags().Changed("config")
	config, err := GenerateConfig(opts)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(config.LogLevel, config.Debug)
	if err != nil {
		return nil, err
	}

	database, err := openDatabase(config.DatabasePath, config.Debug)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}

	store, err := NewOsBlobStore(config.UploadDir)
	if err != nil {
		return nil, err
	}

	return &environment{config: config, log: log, db: database, store: store}, nil
}

func (e *environment) close() {
	if sqlDB, err := e.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = e.log.Sync()
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := setup(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	app, err := NewApp(env.config, env.db, env.store, realClock{}, env.log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := housekeep(ctx, app.auth, app.files, app.store, env.log); err != nil {
		env.log.Error("housekeeping failed", zap.Error(err))
	}
	go runHousekeeping(ctx, app.auth, app.files, app.store, env.log)

	// No read or write timeout: uploads and downloads may be large.
	servers := []*http.Server{{
		Addr:              env.config.Bind,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if env.config.MetricsBind != "" {
		servers = append(servers, &http.Server{
			Addr:              env.config.MetricsBind,
			Handler:           app.MetricsRouter(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
		})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			errc <- errors.Wrapf(srv.ListenAndServe(), "server on %s failed", srv.Addr)
		}(srv)
	}

	env.log.Info("server started",
		zap.String("bind", env.config.Bind),
		zap.String("metrics_bind", env.config.MetricsBind),
		zap.String("database", env.config.DatabasePath),
		zap.String("upload_dir", env.config.UploadDir),
		zap.Bool("debug", env.config.Debug))

	var runErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
	}

	env.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = errors.Wrap(err, "failed to shut down")
		}
	}
	return runErr
}

// promptPassword asks twice on a terminal and reads a single line otherwise.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", errors.Wrap(err, "failed to read password")
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	for {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		p1, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		p2, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		if err := validatePassword(string(p1)); err != nil {
			fmt.Fprintln(os.Stderr, validationMessage(err))
			continue
		}
		if string(p1) != string(p2) {
			fmt.Fprintln(os.Stderr, "passwords do not match")
			continue
		}
		return string(p1), nil
	}
}
