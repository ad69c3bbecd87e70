package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sceneactivity/sceneactivity/internal/database"
)

// Store persists scene activity. Every method is scoped to the owning user.
type Store struct {
	db  database.DBTX
	now func() time.Time
}

func NewStore(db database.DBTX) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Activity(ctx context.Context, userID, sceneID string) (Activity, error) {
	a := Activity{SceneID: sceneID}
	err := s.db.QueryRow(ctx,
		`SELECT title, resume_time, play_duration, last_played_at
		 FROM scenes WHERE id = $1 AND user_id = $2`,
		sceneID, userID,
	).Scan(&a.Title, &a.ResumeTime, &a.PlayDuration, &a.LastPlayedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Activity{}, ErrSceneNotFound
		}
		return Activity{}, fmt.Errorf("load scene: %w", err)
	}

	if a.PlayHistory, err = readHistory(ctx, s.db, KindPlay, sceneID); err != nil {
		return Activity{}, err
	}
	if a.OHistory, err = readHistory(ctx, s.db, KindO, sceneID); err != nil {
		return Activity{}, err
	}
	a.PlayCount = len(a.PlayHistory)
	a.OCounter = len(a.OHistory)
	return a, nil
}

// AddEntries records one entry per time. With no times a single entry is
// recorded at the current time, attributed to src when kind is KindPlay.
func (s *Store) AddEntries(ctx context.Context, userID, sceneID string, kind Kind, times []time.Time, src *Source) (HistoryResult, error) {
	if len(times) == 0 {
		times = []time.Time{s.now().UTC().Truncate(time.Microsecond)}
	} else {
		src = nil
	}

	var result HistoryResult
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockScene(ctx, tx, userID, sceneID); err != nil {
			return err
		}
		if err := insertEntries(ctx, tx, kind, sceneID, times, src); err != nil {
			return err
		}
		var err error
		result, err = finish(ctx, tx, kind, sceneID)
		return err
	})
	return result, err
}

// DeleteEntries removes, for each time, at most one entry with exactly that
// timestamp. With no times the most recent entry is removed. Missing
// entries are ignored.
func (s *Store) DeleteEntries(ctx context.Context, userID, sceneID string, kind Kind, times []time.Time) (HistoryResult, error) {
	var result HistoryResult
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockScene(ctx, tx, userID, sceneID); err != nil {
			return err
		}

		if len(times) == 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM `+kind.table()+` WHERE id = (
				   SELECT id FROM `+kind.table()+` WHERE scene_id = $1
				   ORDER BY occurred_at DESC, id DESC LIMIT 1)`,
				sceneID,
			); err != nil {
				return fmt.Errorf("delete latest %s entry: %w", kind, err)
			}
		}
		for _, t := range times {
			if _, err := tx.Exec(ctx,
				`DELETE FROM `+kind.table()+` WHERE id = (
				   SELECT id FROM `+kind.table()+` WHERE scene_id = $1 AND occurred_at = $2
				   ORDER BY id DESC LIMIT 1)`,
				sceneID, t,
			); err != nil {
				return fmt.Errorf("delete %s entry: %w", kind, err)
			}
		}

		var err error
		result, err = finish(ctx, tx, kind, sceneID)
		return err
	})
	return result, err
}

func (s *Store) ResetEntries(ctx context.Context, userID, sceneID string, kind Kind) (HistoryResult, error) {
	var result HistoryResult
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockScene(ctx, tx, userID, sceneID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+kind.table()+` WHERE scene_id = $1`, sceneID); err != nil {
			return fmt.Errorf("reset %s history: %w", kind, err)
		}
		var err error
		result, err = finish(ctx, tx, kind, sceneID)
		return err
	})
	return result, err
}

// SaveActivity replaces the resume point when resumeTime is set and adds a
// positive playDuration to the cumulative total.
func (s *Store) SaveActivity(ctx context.Context, userID, sceneID string, resumeTime, playDuration *float64) (bool, error) {
	var added float64
	if playDuration != nil && *playDuration > 0 {
		added = *playDuration
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE scenes
		 SET resume_time = COALESCE($3, resume_time),
		     play_duration = play_duration + $4,
		     updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		sceneID, userID, resumeTime, added,
	)
	if err != nil {
		return false, fmt.Errorf("save activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrSceneNotFound
	}
	return true, nil
}

func (s *Store) ResetActivity(ctx context.Context, userID, sceneID string, resetResume, resetDuration bool) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE scenes
		 SET resume_time = CASE WHEN $3 THEN 0 ELSE resume_time END,
		     play_duration = CASE WHEN $4 THEN 0 ELSE play_duration END,
		     updated_at = now()
		 WHERE id = $1 AND user_id = $2`,
		sceneID, userID, resetResume, resetDuration,
	)
	if err != nil {
		return false, fmt.Errorf("reset activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrSceneNotFound
	}
	return true, nil
}

// ImportResult counts the entries an import added.
type ImportResult struct {
	PlaysAdded int `json:"playsAdded"`
	OAdded     int `json:"oAdded"`
}

// Import merges a document into the scene. Timestamps already recorded are
// skipped, counting multiplicity. Duration and resume point are taken from
// the document only where the scene's value is zero.
func (s *Store) Import(ctx context.Context, userID, sceneID string, doc ExportDocument) (ImportResult, error) {
	var result ImportResult
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockScene(ctx, tx, userID, sceneID); err != nil {
			return err
		}

		plays, err := missingEntries(ctx, tx, KindPlay, sceneID, doc.PlayHistory)
		if err != nil {
			return err
		}
		oEntries, err := missingEntries(ctx, tx, KindO, sceneID, doc.OHistory)
		if err != nil {
			return err
		}
		if len(plays) > 0 {
			if err := insertEntries(ctx, tx, KindPlay, sceneID, plays, nil); err != nil {
				return err
			}
		}
		if len(oEntries) > 0 {
			if err := insertEntries(ctx, tx, KindO, sceneID, oEntries, nil); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE scenes
			 SET play_duration = CASE WHEN play_duration = 0 THEN $2 ELSE play_duration END,
			     resume_time = CASE WHEN resume_time = 0 THEN $3 ELSE resume_time END,
			     last_played_at = (SELECT max(occurred_at) FROM scene_play_dates WHERE scene_id = $1),
			     updated_at = now()
			 WHERE id = $1`,
			sceneID, doc.PlayDuration, doc.ResumeTime,
		); err != nil {
			return fmt.Errorf("merge scene activity: %w", err)
		}

		result = ImportResult{PlaysAdded: len(plays), OAdded: len(oEntries)}
		return nil
	})
	return result, err
}

func lockScene(ctx context.Context, tx pgx.Tx, userID, sceneID string) error {
	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM scenes WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		sceneID, userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSceneNotFound
		}
		return fmt.Errorf("lock scene: %w", err)
	}
	return nil
}

func insertEntries(ctx context.Context, tx pgx.Tx, kind Kind, sceneID string, times []time.Time, src *Source) error {
	var err error
	if kind == KindO {
		_, err = tx.Exec(ctx,
			`INSERT INTO scene_o_dates (scene_id, occurred_at)
			 SELECT $1, t FROM unnest($2::timestamptz[]) AS t`,
			sceneID, times,
		)
	} else {
		var device, browser, country *string
		if src != nil {
			device, browser, country = nullable(src.Device), nullable(src.Browser), nullable(src.Country)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO scene_play_dates (scene_id, occurred_at, device, browser, country)
			 SELECT $1, t, $3, $4, $5 FROM unnest($2::timestamptz[]) AS t`,
			sceneID, times, device, browser, country,
		)
	}
	if err != nil {
		return fmt.Errorf("insert %s entries: %w", kind, err)
	}
	return nil
}

// finish refreshes last_played_at after play mutations and reads back the
// history.
func finish(ctx context.Context, tx pgx.Tx, kind Kind, sceneID string) (HistoryResult, error) {
	if kind == KindPlay {
		if _, err := tx.Exec(ctx,
			`UPDATE scenes
			 SET last_played_at = (SELECT max(occurred_at) FROM scene_play_dates WHERE scene_id = $1),
			     updated_at = now()
			 WHERE id = $1`,
			sceneID,
		); err != nil {
			return HistoryResult{}, fmt.Errorf("update last played: %w", err)
		}
	}
	entries, err := readHistory(ctx, tx, kind, sceneID)
	if err != nil {
		return HistoryResult{}, err
	}
	return HistoryResult{Count: len(entries), History: entries}, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readHistory(ctx context.Context, q querier, kind Kind, sceneID string) ([]time.Time, error) {
	rows, err := q.Query(ctx,
		`SELECT occurred_at FROM `+kind.table()+`
		 WHERE scene_id = $1
		 ORDER BY occurred_at DESC, id DESC`,
		sceneID,
	)
	if err != nil {
		return nil, fmt.Errorf("read %s history: %w", kind, err)
	}
	defer rows.Close()

	entries := make([]time.Time, 0)
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", kind, err)
		}
		entries = append(entries, t.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s history: %w", kind, err)
	}
	return entries, nil
}

func missingEntries(ctx context.Context, tx pgx.Tx, kind Kind, sceneID string, incoming []time.Time) ([]time.Time, error) {
	if len(incoming) == 0 {
		return nil, nil
	}
	existing, err := readHistory(ctx, tx, kind, sceneID)
	if err != nil {
		return nil, err
	}
	have := make(map[int64]int, len(existing))
	for _, t := range existing {
		have[t.UnixMicro()]++
	}
	var missing []time.Time
	for _, t := range incoming {
		key := t.UnixMicro()
		if have[key] > 0 {
			have[key]--
			continue
		}
		missing = append(missing, t)
	}
	return missing, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
