package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

// FindPersonByUserID は外部ユーザーIDでPersonを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindPersonByUserID(ctx context.Context, userID string) (*model.Person, error) {
	p := &model.Person{}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM persons WHERE user_id = $1`,
		userID,
	).Scan(&p.ID, &p.UserID, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Personの取得に失敗しました: %w", err)
	}
	return p, nil
}

// GetOrCreatePerson は外部ユーザーIDのPersonを取得し、存在しない場合は作成する。
// ON CONFLICT DO NOTHINGで同時作成を吸収し、トランザクションを中断させない。
func (s *PostgresStore) GetOrCreatePerson(ctx context.Context, userID string) (*model.Person, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return nil, err
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO persons (id, user_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		newID(), userID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("Personの作成に失敗しました: %w", err)
	}

	p, err := s.FindPersonByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("person %s: %w", userID, model.ErrNotFound)
	}
	return p, nil
}

// FindContext は外部コンテキストIDでContextを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindContext(ctx context.Context, contextID string) (*model.Context, error) {
	c := &model.Context{}
	var url sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT id, context_id, title, url, created_at FROM contexts WHERE context_id = $1`,
		contextID,
	).Scan(&c.ID, &c.ContextID, &c.Title, &url, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コンテキストの取得に失敗しました: %w", err)
	}
	c.URL = nullStringValue(url)
	return c, nil
}

// CreateContext はContextを作成する。既に存在する場合は既存のContextを返す。
func (s *PostgresStore) CreateContext(ctx context.Context, c *model.Context) (*model.Context, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO contexts (id, context_id, title, url, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (context_id) DO NOTHING`,
		c.ID, c.ContextID, c.Title, nullString(c.URL), c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("コンテキストの作成に失敗しました: %w", err)
	}
	return s.FindContext(ctx, c.ContextID)
}

// FindSourceType は識別子でSourceTypeを取得する。見つからない場合はnilを返す。
func (s *PostgresStore) FindSourceType(ctx context.Context, identifier string) (*model.SourceType, error) {
	st := &model.SourceType{}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, identifier, created_at FROM source_types WHERE identifier = $1`,
		identifier,
	).Scan(&st.ID, &st.Identifier, &st.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソース種別の取得に失敗しました: %w", err)
	}
	return st, nil
}

// CreateSourceType はSourceTypeを作成する。既に存在する場合は既存のSourceTypeを返す。
func (s *PostgresStore) CreateSourceType(ctx context.Context, identifier string) (*model.SourceType, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO source_types (id, identifier, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (identifier) DO NOTHING`,
		newID(), identifier, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("ソース種別の作成に失敗しました: %w", err)
	}
	return s.FindSourceType(ctx, identifier)
}
