// Package cli is the chatsync command line: a thin client over the engine
// for scripting and manual testing against a backend.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"chatsync/internal/app"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Conversation and message sync client",
	Long: `chatsync keeps a local copy of your conversations in sync with the
messaging backend and lets you read, send and manage messages from a shell.`,
	SilenceUsage: true,
}

// Execute runs the command line with build metadata.
func Execute(v, c string) {
	version, commit = v, c
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file path (default from profile, $CHATSYNC_CONFIG or ./chatsync.yaml)")
	pf.String("store", "", "local store directory")
	pf.String("remote", "", "backend base url")
	pf.String("user", "", "signed-in user id")
	pf.StringP("output", "o", "", "output format: text or json")
	pf.String("profile", DefaultProfilePath(), "CLI profile file")
	pf.BoolP("verbose", "v", false, "log debug output to stderr")
}

// session is one CLI invocation with a running engine.
type session struct {
	app         *app.App
	cfg         *config.Config
	out         *printer
	profile     *Profile
	profilePath string
}

func (s *session) saveProfile() {
	if err := SaveProfile(s.profile, s.profilePath); err != nil {
		logger.Warn("profile_save_failed", "path", s.profilePath, "error", err)
	}
}

// run builds the engine from flags, profile, env and config file, runs fn
// and shuts the engine down.
func run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	_ = godotenv.Load(".env")

	profilePath, _ := cmd.Flags().GetString("profile")
	profile, err := LoadProfile(profilePath)
	if err != nil {
		return err
	}

	flags := config.Flags{Set: map[string]bool{}}
	for _, name := range []string{"config", "store", "remote", "user"} {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		flags.Set[name] = true
		switch name {
		case "config":
			flags.Config = f.Value.String()
		case "store":
			flags.Store = f.Value.String()
		case "remote":
			flags.Remote = f.Value.String()
		case "user":
			flags.UserID = f.Value.String()
		}
	}
	if !flags.Set["config"] && profile.ConfigPath != "" {
		flags.Config = profile.ConfigPath
		flags.Set["config"] = true
	}

	eff, err := config.LoadEffectiveConfig(flags)
	if err != nil {
		return err
	}

	level := eff.Config.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	sink := eff.Config.Logging.Sink
	if sink == "" {
		sink = "stderr"
	}
	if err := logger.Init(level, sink); err != nil {
		return err
	}
	defer logger.Sync()

	outFlag, _ := cmd.Flags().GetString("output")
	format, err := resolveFormat(outFlag, profile)
	if err != nil {
		return err
	}

	a, err := app.New(eff, app.Options{Version: version})
	if err != nil {
		return err
	}
	ctx, cancel := app.SetupSignalHandler(cmd.Context())
	defer cancel()

	s := &session{
		app:         a,
		cfg:         eff.Config,
		out:         &printer{w: cmd.OutOrStdout(), format: format, now: time.Now},
		profile:     profile,
		profilePath: profilePath,
	}
	runErr := fn(ctx, s)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
