package registry

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledgerd/internal/ledger/models"
)

const registryStatePK = 1

// bump increments the singleton RegistryState row under a row-level
// exclusive lock and returns the post-increment value. Safe under
// concurrent callers: the lock linearises bumps.
func bump(tx *gorm.DB) (int64, error) {
	var state models.RegistryState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&state, registryStatePK).Error
	switch {
	case err == nil:
		state.RegistryVersion++
		if err := tx.Save(&state).Error; err != nil {
			return 0, fmt.Errorf("save registry state: %w", err)
		}
		return state.RegistryVersion, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		state = models.RegistryState{PKID: registryStatePK, RegistryVersion: 1}
		if err := tx.Create(&state).Error; err != nil {
			// Another writer raced us to create row 1; fall back to a
			// locked read-modify-write now that the row exists.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return bump(tx)
			}
			return 0, fmt.Errorf("create registry state: %w", err)
		}
		return state.RegistryVersion, nil
	default:
		return 0, fmt.Errorf("load registry state: %w", err)
	}
}

// current reads the registry version without acquiring a lock. Returns 0
// if no row exists yet.
func current(db *gorm.DB) (int64, error) {
	var state models.RegistryState
	err := db.First(&state, registryStatePK).Error
	switch {
	case err == nil:
		return state.RegistryVersion, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("read registry state: %w", err)
	}
}

// maybeBump bumps the version only when changed is true; otherwise it
// returns the current value unchanged.
func maybeBump(tx *gorm.DB, changed bool) (int64, error) {
	if changed {
		return bump(tx)
	}
	return current(tx)
}

// CurrentVersion exposes the version counter's read path outside the
// registration transaction, for the snapshot builder.
func CurrentVersion(db *gorm.DB) (int64, error) {
	return current(db)
}
