// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package rank

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/kit/pg"
)

type (
	// DB is the slice of the database client the store needs.
	DB interface {
		WithConn(ctx context.Context, fn pg.ExecFunc) error
	}

	// PGStore is the PostgreSQL-backed keyword and ranking store.
	PGStore struct {
		db DB
	}
)

var _ Store = (*PGStore)(nil)

// NewPGStore creates a store on top of the given database client.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// Keyword loads one tracked keyword by id.
func (s *PGStore) Keyword(ctx context.Context, keywordID string) (Keyword, error) {
	var kw Keyword

	err := s.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT id, user_id, keyword, domain, country, device
FROM keywords
WHERE id = $1
`
		row := conn.QueryRow(ctx, q, keywordID)
		return row.Scan(&kw.ID, &kw.UserID, &kw.Keyword, &kw.Domain, &kw.Country, &kw.Device)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Keyword{}, ErrKeywordNotFound
		}
		return Keyword{}, fmt.Errorf("cannot load keyword: %w", err)
	}

	return kw, nil
}

// InsertRanking appends one history row.
func (s *PGStore) InsertRanking(ctx context.Context, ranking Ranking) error {
	if ranking.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("cannot generate ranking id: %w", err)
		}
		ranking.ID = id.String()
	}

	err := s.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO ranking_history (id, keyword_id, position, url, found, checked_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
		_, err := conn.Exec(
			ctx,
			q,
			ranking.ID,
			ranking.KeywordID,
			ranking.Position,
			ranking.URL,
			ranking.Found,
			ranking.CheckedAt,
		)
		return err
	})

	if err != nil {
		return fmt.Errorf("cannot insert ranking: %w", err)
	}

	return nil
}

// History returns up to limit history rows for the keyword, newest
// first.
func (s *PGStore) History(ctx context.Context, keywordID string, limit int) ([]Ranking, error) {
	var rankings []Ranking

	err := s.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT id, keyword_id, position, url, found, checked_at
FROM ranking_history
WHERE keyword_id = $1
ORDER BY checked_at DESC
LIMIT $2
`
		rows, err := conn.Query(ctx, q, keywordID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r Ranking
			if err := rows.Scan(&r.ID, &r.KeywordID, &r.Position, &r.URL, &r.Found, &r.CheckedAt); err != nil {
				return err
			}
			rankings = append(rankings, r)
		}

		return rows.Err()
	})

	if err != nil {
		return nil, fmt.Errorf("cannot query ranking history: %w", err)
	}

	return rankings, nil
}
