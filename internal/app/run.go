package app

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/config"
)

// Run is the main entry point for the application. args excludes the
// program name.
func Run(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(os.Stdout)
		return nil
	}
	cmd, ok := lookupCommand(args[0])
	if !ok {
		printUsage(os.Stderr)
		return errors.Newf(errors.KindValidation, "unknown command %q", args[0])
	}

	// Load environment variables
	_ = godotenv.Load()

	logging.InitGlobalLogger()
	defer logging.MustSync()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, os.Stdin, os.Stdout)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Close()

	logging.Info("Running command", logging.String("command", cmd.name))
	if err := cmd.run(app, ctx, args[1:]); err != nil {
		logging.Error("Command failed", err, logging.String("command", cmd.name))
		return err
	}
	return nil
}

// ExitCode maps an error to the process exit status
func ExitCode(err error) int {
	if err == nil || stderrors.Is(err, flag.ErrHelp) {
		return 0
	}
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindNINORequired, errors.KindBusinessIDRequired,
		errors.KindConfirmationRequired, errors.KindConfig:
		return 2
	case errors.KindNotConnected, errors.KindSessionExpired, errors.KindRefreshFailed,
		errors.KindAuthFailed, errors.KindAuthRejected, errors.KindCancelled, errors.KindTimeout:
		return 3
	default:
		return 1
	}
}

// Report prints err for the user
func Report(err error) {
	if stderrors.Is(err, flag.ErrHelp) {
		return
	}
	if appErr, ok := errors.As(err); ok {
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", appErr.Kind, appErr.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
