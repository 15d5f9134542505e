package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// InsertRunReport records a finished refresh and returns its generated ID.
func (db *DB) InsertRunReport(generatedAt time.Time, articleCount int, failedSources []string) (string, error) {
	if failedSources == nil {
		failedSources = []string{}
	}
	failed, err := json.Marshal(failedSources)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = db.conn.Exec(
		`INSERT INTO run_reports (id, generated_at, article_count, failed_count, failed_sources)
		VALUES (?, ?, ?, ?, ?)`,
		id, generatedAt.UTC().Format(time.RFC3339), articleCount, len(failedSources), string(failed),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetLatestRunReport returns the most recent run report, or nil if none exists.
func (db *DB) GetLatestRunReport() (*RunReport, error) {
	row := db.conn.QueryRow(
		`SELECT id, generated_at, article_count, failed_count, failed_sources
		FROM run_reports ORDER BY generated_at DESC LIMIT 1`,
	)
	r, err := scanRunReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListRunReports returns up to limit reports, newest first.
func (db *DB) ListRunReports(limit int) ([]RunReport, error) {
	rows, err := db.conn.Query(
		`SELECT id, generated_at, article_count, failed_count, failed_sources
		FROM run_reports ORDER BY generated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []RunReport
	for rows.Next() {
		r, err := scanRunReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunReport(s scanner) (*RunReport, error) {
	var r RunReport
	var failed sql.NullString
	if err := s.Scan(&r.ID, &r.GeneratedAt, &r.ArticleCount, &r.FailedCount, &failed); err != nil {
		return nil, err
	}
	if failed.Valid && failed.String != "" {
		if err := json.Unmarshal([]byte(failed.String), &r.FailedSources); err != nil {
			r.FailedSources = nil
		}
	}
	return &r, nil
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM kv", &s.Keys},
		{"SELECT COUNT(*) FROM run_reports", &s.Runs},
	}

	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	last, err := db.GetLatestRunReport()
	if err != nil {
		return nil, err
	}
	s.LastRun = last
	return s, nil
}
