package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/wateringctl/internal/config"
	"github.com/roach88/wateringctl/internal/valve"
)

const (
	keyPoolSize    = "pool_size"
	keyZoneMinutes = "zone_minutes"
)

var definitionTables = []string{
	"periods", "sequences", "weekly_schedules", "daily_schedules",
	"routes", "modules", "valves", "settings",
}

// SaveConfig replaces the stored definition with cfg.
func (s *Store) SaveConfig(ctx context.Context, cfg *config.Config) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range definitionTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		settings := map[string]int{keyPoolSize: cfg.PoolSize, keyZoneMinutes: cfg.ZoneMinutes}
		for key, value := range settings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings (key, value) VALUES (?, ?)`,
				key, strconv.Itoa(value),
			); err != nil {
				return fmt.Errorf("insert setting %s: %w", key, err)
			}
		}

		for i, v := range cfg.Valves {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO valves (id, name, flow_rate_lpm, max_on_time_seconds)
				VALUES (?, ?, ?, ?)
			`, i, v.Name, v.FlowRateLPM, v.MaxOnTimeSeconds); err != nil {
				return fmt.Errorf("insert valve %d: %w", i, err)
			}
		}

		for i, seq := range cfg.Sequences {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sequences (idx) VALUES (?)`, i); err != nil {
				return fmt.Errorf("insert sequence %d: %w", i, err)
			}
			for j, p := range seq.Periods {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO periods (sequence_idx, pos, valve, start, duration)
					VALUES (?, ?, ?, ?, ?)
				`, i, j, p.Valve, p.Start, p.Duration); err != nil {
					return fmt.Errorf("insert sequence %d period %d: %w", i, j, err)
				}
			}
		}

		for i, w := range cfg.Weekly {
			days, err := json.Marshal(w.Days)
			if err != nil {
				return fmt.Errorf("marshal weekly schedule %d: %w", i, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO weekly_schedules (idx, sequence_idx, days) VALUES (?, ?, ?)
			`, i, w.Sequence, string(days)); err != nil {
				return fmt.Errorf("insert weekly schedule %d: %w", i, err)
			}
		}

		for i, d := range cfg.Daily {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO daily_schedules (idx, sequence_idx, start, period_days, origin)
				VALUES (?, ?, ?, ?, ?)
			`, i, d.Sequence, d.Start, d.PeriodDays, d.Origin); err != nil {
				return fmt.Errorf("insert daily schedule %d: %w", i, err)
			}
		}

		for _, m := range cfg.Modules {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO modules (id, kind) VALUES (?, ?)`, m.ID, m.Kind,
			); err != nil {
				return fmt.Errorf("insert module %d: %w", m.ID, err)
			}
		}

		for i, r := range cfg.Routes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO routes (pos, valve, module, output) VALUES (?, ?, ?, ?)
			`, i, r.Valve, r.Module, r.Output); err != nil {
				return fmt.Errorf("insert route for %q: %w", r.Valve, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// LoadConfig reads the stored definition. found is false when nothing has
// been saved yet.
func (s *Store) LoadConfig(ctx context.Context) (cfg *config.Config, found bool, err error) {
	cfg = &config.Config{}

	settings, err := s.settings(ctx)
	if err != nil {
		return nil, false, err
	}
	if _, ok := settings[keyPoolSize]; !ok {
		return nil, false, nil
	}
	cfg.PoolSize = settings[keyPoolSize]
	cfg.ZoneMinutes = settings[keyZoneMinutes]

	err = s.query(ctx, `
		SELECT name, flow_rate_lpm, max_on_time_seconds FROM valves ORDER BY id
	`, func(rows *sql.Rows) error {
		var v valve.Config
		if err := rows.Scan(&v.Name, &v.FlowRateLPM, &v.MaxOnTimeSeconds); err != nil {
			return err
		}
		cfg.Valves = append(cfg.Valves, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load valves: %w", err)
	}

	err = s.query(ctx, `SELECT idx FROM sequences ORDER BY idx`, func(rows *sql.Rows) error {
		cfg.Sequences = append(cfg.Sequences, config.Sequence{})
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load sequences: %w", err)
	}

	err = s.query(ctx, `
		SELECT sequence_idx, valve, start, duration FROM periods ORDER BY sequence_idx, pos
	`, func(rows *sql.Rows) error {
		var idx int
		var p config.Period
		if err := rows.Scan(&idx, &p.Valve, &p.Start, &p.Duration); err != nil {
			return err
		}
		if idx < 0 || idx >= len(cfg.Sequences) {
			return fmt.Errorf("period refers to missing sequence %d", idx)
		}
		cfg.Sequences[idx].Periods = append(cfg.Sequences[idx].Periods, p)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load periods: %w", err)
	}

	err = s.query(ctx, `
		SELECT sequence_idx, days FROM weekly_schedules ORDER BY idx
	`, func(rows *sql.Rows) error {
		var w config.Weekly
		var days string
		if err := rows.Scan(&w.Sequence, &days); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(days), &w.Days); err != nil {
			return fmt.Errorf("unmarshal days: %w", err)
		}
		cfg.Weekly = append(cfg.Weekly, w)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load weekly schedules: %w", err)
	}

	err = s.query(ctx, `
		SELECT sequence_idx, start, period_days, origin FROM daily_schedules ORDER BY idx
	`, func(rows *sql.Rows) error {
		var d config.Daily
		if err := rows.Scan(&d.Sequence, &d.Start, &d.PeriodDays, &d.Origin); err != nil {
			return err
		}
		cfg.Daily = append(cfg.Daily, d)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load daily schedules: %w", err)
	}

	err = s.query(ctx, `SELECT id, kind FROM modules ORDER BY id`, func(rows *sql.Rows) error {
		var m config.Module
		if err := rows.Scan(&m.ID, &m.Kind); err != nil {
			return err
		}
		cfg.Modules = append(cfg.Modules, m)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load modules: %w", err)
	}

	err = s.query(ctx, `SELECT valve, module, output FROM routes ORDER BY pos`, func(rows *sql.Rows) error {
		var r config.Route
		if err := rows.Scan(&r.Valve, &r.Module, &r.Output); err != nil {
			return err
		}
		cfg.Routes = append(cfg.Routes, r)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load routes: %w", err)
	}

	return cfg, true, nil
}

func (s *Store) settings(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := s.query(ctx, `SELECT key, value FROM settings`, func(rows *sql.Rows) error {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		out[key] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return out, nil
}

// query runs q and calls scan for each row.
func (s *Store) query(ctx context.Context, q string, scan func(*sql.Rows) error, args ...any) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
