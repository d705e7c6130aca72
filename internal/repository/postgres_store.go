package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresStore はPostgreSQLを使用したStore実装。
// qが*sql.Txの場合、全操作はそのトランザクション内で実行される。
type PostgresStore struct {
	q Querier
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(q Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

// PostgresUnitOfWork はPostgreSQLのトランザクションでUnitOfWorkを実装する。
type PostgresUnitOfWork struct {
	db TxBeginner
}

// NewPostgresUnitOfWork はPostgresUnitOfWorkを生成する。
func NewPostgresUnitOfWork(db TxBeginner) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{db: db}
}

// Do はfnを1つのトランザクション内で実行する。
// fnがエラーを返すかpanicした場合はロールバックする。
func (u *PostgresUnitOfWork) Do(ctx context.Context, fn func(s Store) error) (err error) {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(NewPostgresStore(tx)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation は一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// newID は新しいエンティティIDを生成する。
func newID() string {
	return uuid.New().String()
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime はゼロ値のtime.Timeをsql.NullTimeに変換する。
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// nullInt はnilのintポインタをsql.NullInt64に変換する。
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// intPtr はsql.NullInt64をintポインタに変換する。
func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
var _ UnitOfWork = (*PostgresUnitOfWork)(nil)
