package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/AnchorLoop/internal/models"
)

// clampLimit applies the RecentTurns default and maximum.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}

// scanTurns scans every TurnRecord from rows.
func scanTurns(rows *sql.Rows) ([]models.TurnRecord, error) {
	var turns []models.TurnRecord
	for rows.Next() {
		var t models.TurnRecord
		var origin string
		var sentiment sql.NullString
		if err := rows.Scan(&t.ID, &t.UtteranceText, &origin, &t.ReplyText, &sentiment,
			&t.Fallback, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan turn failed: %w", err)
		}
		t.Origin = models.Origin(origin)
		t.Sentiment = sentiment.String
		if t.Sentiment == "" {
			t.Sentiment = "unknown"
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}
