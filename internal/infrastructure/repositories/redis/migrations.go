package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "rtmsrelay:schema:version"
	currentSchemaVersion = 1
)

// Migration is one step of the key layout history.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.Cmdable) error
}

// Migrate brings the key layout up to currentSchemaVersion.
func Migrate(ctx context.Context, client redis.Cmdable, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client redis.Cmdable) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.Cmdable, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// The session index must be a set; drop anything else living
			// under its name so SADD/SMEMBERS do not fail with WRONGTYPE.
			Version: 1,
			Up: func(ctx context.Context, client redis.Cmdable) error {
				kind, err := client.Type(ctx, sessionIndexKey).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "set" {
					return client.Del(ctx, sessionIndexKey).Err()
				}
				return nil
			},
		},
	}
}
