package store

import (
	"context"
	"database/sql"
)

// RandomPassage returns a uniformly random stored passage, or sql.ErrNoRows
// when the table is empty.
func (s *Store) RandomPassage(ctx context.Context) (string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT text FROM passages ORDER BY RAND() LIMIT 1`)
	var text string
	if err := row.Scan(&text); err != nil {
		return "", err
	}
	return text, nil
}

// InsertPassage stores a passage. Duplicates by text are ignored; the bool
// reports whether a new row was written.
func (s *Store) InsertPassage(ctx context.Context, text, sourceURL string) (bool, error) {
	var src sql.NullString
	if sourceURL != "" {
		src = sql.NullString{String: sourceURL, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT IGNORE INTO passages (text, source_url) VALUES (?, ?)`,
		text, src,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CountPassages(ctx context.Context) (int64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
