// Command peerdropctl administers the PeerDrop user directory: it creates
// accounts, issues signaling tokens, and prints transfer history.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/Tyrowin/peerdrop/internal/auth"
	"github.com/Tyrowin/peerdrop/internal/directory"
	"github.com/Tyrowin/peerdrop/internal/server"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "peerdropctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errors.New("missing command")
	}

	command, rest := args[0], args[1:]
	switch command {
	case "adduser":
		return runAddUser(ctx, rest, out)
	case "token":
		return runToken(ctx, rest, out)
	case "transfers":
		return runTransfers(ctx, rest, out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: peerdropctl <command> [flags]

Commands:
  adduser    create an account and print a signaling token for it
  token      issue a signaling token for an existing user
  transfers  list a user's transfer history as JSON lines

Every command accepts --config (YAML file); environment variables such as
DATABASE_PATH and JWT_SECRET apply as they do for the server.
`)
}

// environment is the state every command needs.
type environment struct {
	cfg    *server.Config
	store  *directory.Store
	tokens *auth.TokenManager
}

func openEnvironment(configPath string) (*environment, error) {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := directory.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return &environment{
		cfg:   cfg,
		store: store,
		tokens: auth.NewTokenManager(auth.TokenConfig{
			SecretKey: cfg.Auth.Secret,
			Issuer:    cfg.Auth.Issuer,
			TTL:       cfg.Auth.TokenTTL,
		}),
	}, nil
}

// closeInto closes c and joins a failure into *err, so a command that
// otherwise succeeded still reports it.
func closeInto(err *error, c io.Closer, what string) {
	if cerr := c.Close(); cerr != nil {
		*err = errors.Join(*err, fmt.Errorf("close %s: %w", what, cerr))
	}
}

func runAddUser(ctx context.Context, args []string, out io.Writer) (err error) {
	flagSet := pflag.NewFlagSet("adduser", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	username := flagSet.String("username", "", "display name (required)")
	email := flagSet.String("email", "", "email address (required)")
	password := flagSet.String("password", "", "password (required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	env, err := openEnvironment(*configPath)
	if err != nil {
		return err
	}
	defer closeInto(&err, env.store, "database")

	user, err := env.store.CreateUser(ctx, *username, *email, *password)
	if err != nil {
		return err
	}
	token, expiresAt, err := env.tokens.Issue(user.ID)
	if err != nil {
		return err
	}

	return json.NewEncoder(out).Encode(map[string]any{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func runToken(ctx context.Context, args []string, out io.Writer) (err error) {
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	userID := flagSet.String("user-id", "", "user identity (required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	env, err := openEnvironment(*configPath)
	if err != nil {
		return err
	}
	defer closeInto(&err, env.store, "database")

	if _, err := env.store.Lookup(ctx, *userID); err != nil {
		return err
	}
	token, expiresAt, err := env.tokens.Issue(*userID)
	if err != nil {
		return err
	}

	return json.NewEncoder(out).Encode(map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func runTransfers(ctx context.Context, args []string, out io.Writer) (err error) {
	flagSet := pflag.NewFlagSet("transfers", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	userID := flagSet.String("user-id", "", "user identity (required)")
	query := flagSet.String("query", "", "case-insensitive match on file name or usernames")
	limit := flagSet.Int("limit", 100, "maximum number of transfers")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("--user-id is required")
	}

	env, err := openEnvironment(*configPath)
	if err != nil {
		return err
	}
	defer closeInto(&err, env.store, "database")

	transfers, err := env.store.ListTransfers(ctx, *userID, *query, *limit)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(out)
	for _, transfer := range transfers {
		if err := encoder.Encode(transfer); err != nil {
			return err
		}
	}
	return nil
}
