// Package main seeds a development deployment with an initial admin user
// and a sample non-admin user, and logs the built-in tool bindings (which
// are compiled in, not stored), so a freshly provisioned Gateway/Tool
// Server pair has something to authenticate and authorize against.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatekeep/accessplane/internal/authz"
	"github.com/gatekeep/accessplane/internal/config"
	"github.com/gatekeep/accessplane/internal/directory"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/pkg/auth"
	"github.com/gatekeep/accessplane/pkg/database"
	"github.com/gatekeep/accessplane/pkg/logger"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.App.Environment == "production" {
		fmt.Println("Seeding is not allowed in production environment")
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Logger)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting database seeding...",
		logger.String("database", cfg.Database.Database),
		logger.String("environment", cfg.App.Environment),
	)

	dbClient, err := database.NewClient(&cfg.Database, log)
	if err != nil {
		log.Error(ctx, "Failed to connect to database", err)
		os.Exit(1)
	}
	defer dbClient.Close(ctx)

	if err := runSeeding(ctx, dbClient, log); err != nil {
		log.Error(ctx, "Seeding failed", err)
		os.Exit(1)
	}

	log.Info("Database seeding completed successfully")
}

func runSeeding(ctx context.Context, db *database.Client, log *logger.Logger) error {
	dir := directory.New(db.Collection("users"), auth.NewPasswordHasher(10), func() string { return uuid.NewString() }, log)
	if err := dir.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create user directory indexes: %w", err)
	}

	grants := authz.NewGrantStore(db.Collection("permission_grants"), func() string { return uuid.NewString() })
	if err := grants.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create permission grant indexes: %w", err)
	}

	if err := seedAdminUser(ctx, dir, log); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}

	if err := seedSampleUser(ctx, dir, log); err != nil {
		return fmt.Errorf("failed to seed sample user: %w", err)
	}

	logBuiltinBindings(log)

	log.Info("All seeding completed successfully")
	return nil
}

const seedAdminPassword = "ChangeMe-Admin1!"
const seedUserPassword = "ChangeMe-User1!"

// seedAdminUser registers the default admin account, or promotes it to the
// admin role if a user with that email already exists from a prior run.
func seedAdminUser(ctx context.Context, dir *directory.Directory, log *logger.Logger) error {
	email := "admin@gatekeep.dev"

	user, err := dir.Register(ctx, email, seedAdminPassword, []string{models.RoleAdmin})
	if err != nil {
		existing, findErr := dir.FindByEmail(ctx, email)
		if findErr != nil {
			return err
		}
		if setErr := dir.SetRoles(ctx, existing.ID, []string{models.RoleAdmin}); setErr != nil {
			return setErr
		}
		log.Info("Admin user already present, roles confirmed", logger.String("email", email))
		return nil
	}

	log.Info("Admin user created",
		logger.String("email", user.Email),
		logger.String("password", seedAdminPassword),
	)
	return nil
}

// seedSampleUser registers a non-admin account for exercising authenticated,
// non-admin tool calls during development.
func seedSampleUser(ctx context.Context, dir *directory.Directory, log *logger.Logger) error {
	email := "user@gatekeep.dev"

	user, err := dir.Register(ctx, email, seedUserPassword, []string{models.RoleUser})
	if err != nil {
		log.Info("Sample user already present", logger.String("email", email))
		return nil
	}

	log.Info("Sample user created",
		logger.String("email", user.Email),
		logger.String("password", seedUserPassword),
	)
	return nil
}

// logBuiltinBindings reports the tool bindings a freshly seeded deployment
// authorizes out of the box, so an operator knows what roles can reach what
// without opening the authorization engine's source.
func logBuiltinBindings(log *logger.Logger) {
	for _, b := range authz.BuiltinBindings() {
		log.Info("Built-in tool binding available",
			logger.String("tool", b.ToolName),
			logger.String("resource_type", b.ResourceType),
			zap.Bool("public", b.Public),
			zap.Bool("admin", b.Admin),
		)
	}
}
