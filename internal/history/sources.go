package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/mssola/useragent"
)

type breakdownItem struct {
	Name       string  `json:"name"`
	Percentage float64 `json:"percentage"`
}

// SourceBreakdown is the share of attributed plays per device class,
// browser and country.
type SourceBreakdown struct {
	Devices   []breakdownItem `json:"devices"`
	Browsers  []breakdownItem `json:"browsers"`
	Countries []breakdownItem `json:"countries"`
}

// ParseSource derives the device class and browser from a User-Agent header.
func ParseSource(userAgent string) Source {
	if strings.TrimSpace(userAgent) == "" {
		return Source{}
	}
	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	return Source{Device: deviceClass(ua, userAgent), Browser: browser}
}

func deviceClass(ua *useragent.UserAgent, raw string) string {
	switch {
	case ua.Bot():
		return "Bot"
	case strings.Contains(raw, "iPad"),
		strings.Contains(raw, "Tablet"),
		strings.Contains(raw, "Android") && !strings.Contains(raw, "Mobile"):
		return "Tablet"
	case ua.Mobile():
		return "Mobile"
	default:
		return "Desktop"
	}
}

func (s *Store) PlaySources(ctx context.Context, userID, sceneID string) (SourceBreakdown, error) {
	var id string
	if err := s.db.QueryRow(ctx,
		`SELECT id FROM scenes WHERE id = $1 AND user_id = $2`,
		sceneID, userID,
	).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceBreakdown{}, ErrSceneNotFound
		}
		return SourceBreakdown{}, fmt.Errorf("load scene: %w", err)
	}

	var (
		out SourceBreakdown
		err error
	)
	if out.Devices, err = s.breakdown(ctx, sceneID, "device"); err != nil {
		return SourceBreakdown{}, err
	}
	if out.Browsers, err = s.breakdown(ctx, sceneID, "browser"); err != nil {
		return SourceBreakdown{}, err
	}
	if out.Countries, err = s.breakdown(ctx, sceneID, "country"); err != nil {
		return SourceBreakdown{}, err
	}
	return out, nil
}

// column is one of the fixed source columns, never user input.
func (s *Store) breakdown(ctx context.Context, sceneID, column string) ([]breakdownItem, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+column+`, COUNT(*) AS cnt
		 FROM scene_play_dates
		 WHERE scene_id = $1 AND `+column+` IS NOT NULL
		 GROUP BY `+column+` ORDER BY cnt DESC, `+column,
		sceneID,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s breakdown: %w", column, err)
	}
	defer rows.Close()

	type counted struct {
		name  string
		count int64
	}
	var (
		counts []counted
		total  int64
	)
	for rows.Next() {
		var c counted
		if err := rows.Scan(&c.name, &c.count); err != nil {
			return nil, fmt.Errorf("scan %s breakdown: %w", column, err)
		}
		counts = append(counts, c)
		total += c.count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s breakdown: %w", column, err)
	}

	items := make([]breakdownItem, 0, len(counts))
	for _, c := range counts {
		items = append(items, breakdownItem{
			Name:       c.name,
			Percentage: math.Round(float64(c.count)/float64(total)*1000) / 10,
		})
	}
	return items, nil
}
