package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/authhub/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用したアクティビティリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// Insert はアクティビティエントリを作成する。
// execerに*sql.Txを渡すことで呼び出し側のトランザクションスコープ内で実行できる。
// execerがnilの場合はリポジトリ自身のDB接続を使用する。
func (r *PostgresActivityRepo) Insert(ctx context.Context, execer Executor, activity *model.Activity) error {
	if execer == nil {
		execer = r.db
	}
	_, err := execer.ExecContext(ctx,
		`INSERT INTO activities (id, user_id, action, data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		activity.ID, activity.UserID, activity.Action, nullableJSON(activity.Data), activity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// ListPage はアクティビティをcreated_at降順でページ取得し、総件数も返す。
// pageは1始まり。
func (r *PostgresActivityRepo) ListPage(ctx context.Context, page, perPage int) ([]*model.Activity, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 25
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM activities`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count activities: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, action, data, created_at
		 FROM activities
		 ORDER BY created_at DESC
		 OFFSET $1 LIMIT $2`,
		(page-1)*perPage, perPage,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var activities []*model.Activity
	for rows.Next() {
		activity := &model.Activity{}
		var data sql.NullString
		if err := rows.Scan(&activity.ID, &activity.UserID, &activity.Action, &data, &activity.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan activity: %w", err)
		}
		if data.Valid {
			activity.Data = []byte(data.String)
		}
		activities = append(activities, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate activities: %w", err)
	}

	return activities, total, nil
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)
