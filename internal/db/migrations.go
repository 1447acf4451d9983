package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/marcus/shelf/internal/device"
	"github.com/marcus/shelf/internal/legacy"
	"github.com/marcus/shelf/internal/models"
	"github.com/marcus/shelf/internal/store"
)

// Identity describes the local installation. It seeds the devices table
// the first time a schema is created; afterwards the stored device id wins.
type Identity struct {
	DeviceID string
	Name     string
	Type     models.DeviceType
}

// Schema actions reported by EnsureSchema.
const (
	ActionCreated  = "created"
	ActionMigrated = "migrated"
	ActionVerified = "verified"
	ActionRepaired = "repaired"
)

// Report describes what EnsureSchema did.
type Report struct {
	FromVersion int
	ToVersion   int
	Action      string
	DeviceID    string
	Repaired    []string
	Legacy      legacy.Result
}

// CurrentSchemaVersion returns the stored schema version, 0 when there is
// no schema at all.
func (db *DB) CurrentSchemaVersion(ctx context.Context) (int, error) {
	return currentSchemaVersion(ctx, db.conn)
}

// currentSchemaVersion prefers sync_state, then the legacy app's
// user_version, then the mere presence of legacy tables (version 1).
func currentSchemaVersion(ctx context.Context, q store.Querier) (int, error) {
	ok, err := store.TableExists(ctx, q, "sync_state")
	if err != nil {
		return 0, err
	}
	if ok {
		v, set, err := GetState(ctx, q, KeySchemaVersion)
		if err != nil {
			return 0, err
		}
		if set {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("parse schema version %q: %w", v, err)
			}
			return n, nil
		}
	}

	var uv int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&uv); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	if uv > 0 {
		return uv, nil
	}

	hasLegacy, err := legacy.HasData(ctx, q)
	if err != nil {
		return 0, err
	}
	if hasLegacy {
		return 1, nil
	}
	return 0, nil
}

// EnsureSchema brings the database to SchemaVersion:
//   - no schema: create every table and seed the device and sync_state rows
//   - legacy schema: additionally replay legacy rows as events
//   - current schema: verify required tables, recreating any that are missing
//
// All work for one call runs in a single transaction under the write lock.
// On failure nothing is committed and the stored version is unchanged, so
// the next launch retries.
func (db *DB) EnsureSchema(ctx context.Context, id Identity) (Report, error) {
	var rep Report
	err := db.withWriteLock(schemaLockTimeout, func() error {
		v, err := currentSchemaVersion(ctx, db.conn)
		if err != nil {
			return err
		}
		rep.FromVersion = v
		if v > SchemaVersion {
			return fmt.Errorf("%w: stored %d, supported %d", ErrSchemaTooNew, v, SchemaVersion)
		}

		return db.inTx(ctx, func(tx store.Querier) error {
			switch {
			case v == 0:
				if err := createTables(ctx, tx); err != nil {
					return err
				}
				devID, err := seed(ctx, tx, id, MigrationFresh)
				if err != nil {
					return err
				}
				rep.Action, rep.DeviceID = ActionCreated, devID

			case v < SchemaVersion:
				snap, err := legacy.Export(ctx, tx)
				if err != nil {
					return err
				}
				if err := createTables(ctx, tx); err != nil {
					return err
				}
				devID, err := seed(ctx, tx, id, MigrationCompleted)
				if err != nil {
					return err
				}
				res, err := legacy.Import(ctx, tx, devID, snap)
				if err != nil {
					return err
				}
				rep.Action, rep.DeviceID, rep.Legacy = ActionMigrated, devID, res

			default:
				repaired, err := repairTables(ctx, tx)
				if err != nil {
					return err
				}
				devID, set, err := GetState(ctx, tx, KeyCurrentDevice)
				if err != nil {
					return err
				}
				if !set || len(repaired) > 0 {
					if devID, err = seed(ctx, tx, Identity{DeviceID: devID, Name: id.Name, Type: id.Type}, ""); err != nil {
						return err
					}
				}
				rep.Action, rep.DeviceID, rep.Repaired = ActionVerified, devID, repaired
				if len(repaired) > 0 {
					rep.Action = ActionRepaired
				}
			}
			return nil
		})
	})

	if err != nil {
		if rep.FromVersion > 0 && rep.FromVersion < SchemaVersion {
			db.markMigrationFailed(ctx, err)
			return rep, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
		return rep, err
	}
	rep.ToVersion = SchemaVersion
	slog.Info("schema ready", "action", rep.Action, "from", rep.FromVersion, "to", rep.ToVersion, "device", rep.DeviceID)
	return rep, nil
}

func createTables(ctx context.Context, q store.Querier) error {
	for _, t := range requiredTables {
		if _, err := q.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("create %s: %w", t.name, err)
		}
	}
	return nil
}

// repairTables recreates any missing required table and returns their names.
func repairTables(ctx context.Context, q store.Querier) ([]string, error) {
	var repaired []string
	for _, t := range requiredTables {
		ok, err := store.TableExists(ctx, q, t.name)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		slog.Warn("recreating missing table", "table", t.name)
		if _, err := q.ExecContext(ctx, t.ddl); err != nil {
			return nil, fmt.Errorf("recreate %s: %w", t.name, err)
		}
		repaired = append(repaired, t.name)
	}
	return repaired, nil
}

// seed registers the local device and writes the sync_state rows. A
// device id already stored in sync_state takes precedence over id.
func seed(ctx context.Context, q store.Querier, id Identity, status string) (string, error) {
	devID, set, err := GetState(ctx, q, KeyCurrentDevice)
	if err != nil {
		return "", err
	}
	if !set || devID == "" {
		devID = id.DeviceID
	}
	if devID == "" {
		devID = device.NewID()
	}
	if err := device.Register(ctx, q, models.Device{ID: devID, Name: id.Name, Type: id.Type}); err != nil {
		return "", err
	}
	if err := SetState(ctx, q, KeyCurrentDevice, devID); err != nil {
		return "", err
	}
	if err := SetState(ctx, q, KeySchemaVersion, strconv.Itoa(SchemaVersion)); err != nil {
		return "", err
	}
	if status != "" {
		if err := SetState(ctx, q, KeyMigrationStatus, status); err != nil {
			return "", err
		}
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return "", fmt.Errorf("set user_version: %w", err)
	}
	return devID, nil
}

// markMigrationFailed records the failure outside the rolled-back
// transaction. Only sync_state is touched, without a schema_version key,
// so the version check still reports the legacy version.
func (db *DB) markMigrationFailed(ctx context.Context, cause error) {
	err := db.inTx(ctx, func(tx store.Querier) error {
		if _, err := tx.ExecContext(ctx, syncStateSchema); err != nil {
			return err
		}
		if err := SetState(ctx, tx, KeyMigrationStatus, MigrationFailed); err != nil {
			return err
		}
		return SetState(ctx, tx, KeyMigrationError, cause.Error())
	})
	if err != nil {
		slog.Warn("could not record migration failure", "err", err)
	}
}

// IsSchemaError reports whether err came from schema lifecycle handling.
func IsSchemaError(err error) bool {
	return errors.Is(err, ErrSchemaTooNew) || errors.Is(err, ErrMigrationFailed)
}
