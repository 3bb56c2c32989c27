// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/fleetcare/internal/database"
	"github.com/tomtom215/fleetcare/internal/logging"
	"github.com/tomtom215/fleetcare/internal/models"
)

// Classifier derives the primary agreement and coverage status for each
// serial from its stored coverage rows. A serial's primary row is the one
// with the latest end date; rows without an end date sort last.
type Classifier struct {
	db *database.DB

	// now is injectable for tests.
	now func() time.Time
}

// NewClassifier creates a classifier over the coverage store.
func NewClassifier(db *database.DB) *Classifier {
	return &Classifier{db: db, now: time.Now}
}

// ClassifySerial recomputes the primary row and status for one serial.
// Serials with no coverage rows end up with nothing marked.
func (c *Classifier) ClassifySerial(ctx context.Context, serial string) error {
	if err := c.db.ResetSerialClassification(ctx, serial); err != nil {
		return err
	}

	rows, err := c.db.ListCoverageBySerial(ctx, serial)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	primary := rows[0]
	status := c.deriveStatus(primary)
	if err := c.db.MarkPrimary(ctx, primary.CoverageID, status); err != nil {
		return err
	}
	return nil
}

// ClassifyAll recomputes classification for every serial that has coverage
// rows. Returns the number of serials classified.
func (c *Classifier) ClassifyAll(ctx context.Context) (int, error) {
	serials, err := c.db.SerialsWithCoverage(ctx)
	if err != nil {
		return 0, err
	}

	classified := 0
	for _, serial := range serials {
		if err := ctx.Err(); err != nil {
			return classified, err
		}
		if err := c.ClassifySerial(ctx, serial); err != nil {
			return classified, fmt.Errorf("classify %s: %w", serial, err)
		}
		classified++
	}

	logging.Info().Int("serials", classified).Msg("coverage classification complete")
	return classified, nil
}

// deriveStatus maps a primary row to active, expiring_soon or inactive.
// Dates compare as YYYY-MM-DD text.
func (c *Classifier) deriveStatus(row database.CoverageRow) string {
	if row.Status != "ACTIVE" || row.IsCanceled || row.EndDate == nil {
		return models.CoverageStatusInactive
	}

	now := c.now().UTC()
	today := now.Format("2006-01-02")
	end := *row.EndDate

	if end < today {
		return models.CoverageStatusInactive
	}
	soonCutoff := now.Add(models.ExpiringSoonWindow).Format("2006-01-02")
	if end <= soonCutoff {
		return models.CoverageStatusExpiringSoon
	}
	return models.CoverageStatusActive
}
