// Package main is gatewayctl, the operator CLI for a rapigate deployment.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/rapigate/rapigate/internal/admission"
	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/cache"
	"github.com/rapigate/rapigate/internal/config"
	"github.com/rapigate/rapigate/internal/migrate"
	"github.com/rapigate/rapigate/internal/model"
	"github.com/rapigate/rapigate/internal/repository"
	"github.com/rapigate/rapigate/internal/service"
	"github.com/rapigate/rapigate/migrations"
)

// CLI defines the command-line interface.
type CLI struct {
	Migrate MigrateCmd `cmd:"" help:"Apply or revert schema migrations."`
	User    UserCmd    `cmd:"" help:"Manage accounts."`
	Key     KeyCmd     `cmd:"" help:"Manage API keys."`
	Stats   StatsCmd   `cmd:"" help:"Show gateway totals."`
	Notify  NotifyCmd  `cmd:"" help:"Send a notification to one user or everyone."`

	DatabaseURL string        `name:"database-url" env:"DATABASE_URL" help:"PostgreSQL connection string."`
	RedisURL    string        `name:"redis-url" env:"REDIS_URL" help:"Redis URL. Used to evict rotated keys from the validation cache."`
	SiteConfig  string        `name:"site-config" env:"SITE_CONFIG" default:"site.yaml" help:"Site file carrying the API key prefix."`
	Format      string        `enum:"plain,json" default:"plain" help:"Output format (plain, json)."`
	Timeout     time.Duration `default:"30s" help:"Deadline for the whole command."`
	LogLevel    string        `name:"log-level" default:"warn" help:"Log level (debug, info, warn, error)."`

	Out    io.Writer    `kong:"-"`
	Logger *slog.Logger `kong:"-"`
}

// MigrateCmd groups the migration subcommands.
type MigrateCmd struct {
	Up   MigrateUpCmd   `cmd:"" help:"Apply every pending migration."`
	Down MigrateDownCmd `cmd:"" help:"Revert the most recent migrations."`
}

// MigrateUpCmd applies pending migrations.
type MigrateUpCmd struct{}

func (c *MigrateUpCmd) Run(cli *CLI) error {
	return cli.withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
		n, err := m.Up(ctx)
		if err != nil {
			return err
		}
		return cli.print(map[string]any{"applied": n}, fmt.Sprintf("applied %d migration(s)", n))
	})
}

// MigrateDownCmd reverts migrations.
type MigrateDownCmd struct {
	Steps int `default:"1" help:"Number of migrations to revert."`
}

func (c *MigrateDownCmd) Run(cli *CLI) error {
	if c.Steps <= 0 {
		return errors.New("--steps must be positive")
	}
	return cli.withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
		n, err := m.Down(ctx, c.Steps)
		if err != nil {
			return err
		}
		return cli.print(map[string]any{"reverted": n}, fmt.Sprintf("reverted %d migration(s)", n))
	})
}

// UserCmd groups the account subcommands.
type UserCmd struct {
	Create     UserCreateCmd     `cmd:"" help:"Create an account and print its API key."`
	ResetQuota UserResetQuotaCmd `cmd:"" name:"reset-quota" help:"Clear a user's daily counter and cooldown."`
}

// UserCreateCmd registers an account the way the HTTP endpoint does.
type UserCreateCmd struct {
	Username string `required:"" help:"Username (3-30 letters, digits or underscores)."`
	Email    string `required:"" help:"Email address."`
	Password string `required:"" env:"GATEWAYCTL_PASSWORD" help:"Account password."`
}

type createdUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	APIKey   string `json:"api_key"`
}

func (c *UserCreateCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *repository.Repository) error {
		accounts := service.NewAccountService(repo, nil, cli.keyPrefix(), cli.Logger)
		reg, err := accounts.Register(ctx, service.RegisterInput{
			Username: c.Username,
			Email:    c.Email,
			Password: c.Password,
		})
		if err != nil {
			return err
		}
		out := createdUser{
			UserID:   reg.User.ID,
			Username: reg.User.Username,
			Email:    reg.User.Email,
			APIKey:   reg.APIKey,
		}
		return cli.print(out, out.APIKey)
	})
}

// UserResetQuotaCmd clears one user's quota state.
type UserResetQuotaCmd struct {
	User string `arg:"" help:"User ID or username."`
}

func (c *UserResetQuotaCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *repository.Repository) error {
		user, err := service.NewAccountService(repo, nil, cli.keyPrefix(), cli.Logger).Resolve(ctx, c.User)
		if err != nil {
			return err
		}
		controller := admission.NewController(repo.NewQuotaStore(), nil, admission.DefaultPolicy(), cli.Logger, nil)
		if err := controller.Reset(ctx, user.ID); err != nil {
			return err
		}
		return cli.print(map[string]any{"user_id": user.ID, "reset": true}, "quota reset for "+user.Username)
	})
}

// KeyCmd groups the API key subcommands.
type KeyCmd struct {
	Rotate KeyRotateCmd `cmd:"" help:"Issue a new API key, invalidating the old one."`
}

// KeyRotateCmd rotates a user's API key.
type KeyRotateCmd struct {
	User string `arg:"" help:"User ID or username."`
}

func (c *KeyRotateCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *repository.Repository) error {
		var evicter service.KeyEvicter
		if cli.RedisURL != "" {
			cacheClient, err := cache.New(ctx, cli.RedisURL)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer cacheClient.Close()
			evicter = auth.NewValidator(repo, cacheClient, cli.Logger, nil)
		} else {
			cli.Logger.Warn("REDIS_URL not set; the old key stays valid until its cache entry expires")
		}

		accounts := service.NewAccountService(repo, evicter, cli.keyPrefix(), cli.Logger)
		user, err := accounts.Resolve(ctx, c.User)
		if err != nil {
			return err
		}
		key, err := accounts.RegenerateKey(ctx, user.ID)
		if err != nil {
			return err
		}
		return cli.print(map[string]any{"user_id": user.ID, "api_key": key}, key)
	})
}

// StatsCmd prints gateway totals.
type StatsCmd struct{}

func (c *StatsCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *repository.Repository) error {
		totals, err := repository.NewCallLogRepository(repo).Totals(ctx)
		if err != nil {
			return err
		}
		return cli.print(totals, fmt.Sprintf("total_calls=%d total_users=%d", totals.TotalCalls, totals.TotalUsers))
	})
}

// NotifyCmd stores an operator notification.
type NotifyCmd struct {
	Title   string `required:"" help:"Notification title."`
	Message string `required:"" help:"Notification body."`
	User    string `help:"User ID or username. Empty broadcasts to everyone."`
	Sender  string `default:"Admin" help:"Sender shown to users."`
}

func (c *NotifyCmd) Run(cli *CLI) error {
	return cli.withRepository(func(ctx context.Context, repo *repository.Repository) error {
		note := &model.Notification{Title: c.Title, Message: c.Message, Sender: c.Sender}
		if c.User != "" {
			user, err := service.NewAccountService(repo, nil, cli.keyPrefix(), cli.Logger).Resolve(ctx, c.User)
			if err != nil {
				return err
			}
			note.TargetUserID = &user.ID
		}
		if err := repository.NewNotificationRepository(repo).Create(ctx, note); err != nil {
			return err
		}
		target := "everyone"
		if !note.Broadcast() {
			target = *note.TargetUserID
		}
		return cli.print(note, fmt.Sprintf("notification %d sent to %s", note.ID, target))
	})
}

func (cli *CLI) withRepository(fn func(ctx context.Context, repo *repository.Repository) error) error {
	if cli.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	repo, err := repository.New(ctx, cli.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer repo.Close()

	return fn(ctx, repo)
}

func (cli *CLI) withMigrator(fn func(ctx context.Context, m *migrate.Migrator) error) error {
	if cli.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	db, err := sql.Open("postgres", cli.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	m, err := migrate.New(db, migrations.FS, cli.Logger)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

// keyPrefix reads the key prefix from the site file so keys issued here
// match the ones the server issues.
func (cli *CLI) keyPrefix() string {
	site, err := config.LoadSite(cli.SiteConfig)
	if err != nil {
		cli.Logger.Warn("site config unreadable, issuing unprefixed keys", "error", err)
		return ""
	}
	return site.KeyPrefix
}

// print writes v as indented JSON or plain as a single line.
func (cli *CLI) print(v any, plain string) error {
	if cli.Format == "json" {
		enc := json.NewEncoder(cli.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cli.Out, plain)
	return err
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func main() {
	_ = godotenv.Load()

	cli := CLI{Out: os.Stdout}
	ctx := kong.Parse(&cli,
		kong.Name("gatewayctl"),
		kong.Description("Operator tooling for the rapigate API gateway."),
		kong.UsageOnError(),
	)

	cli.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cli.LogLevel)}))

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
