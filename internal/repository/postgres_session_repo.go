package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/authhub/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `id, user_id, session_token, COALESCE(ip_address, ''), meta, is_active, last_active, created_at`

// CreateOrRefresh はセッションを作成する。同一トークンの行が既に存在する場合は
// ON CONFLICTで所有者・IP・メタデータを更新し再アクティブ化する。
// UPSERTを1文で行うため、同時呼び出しでも同一トークンのアクティブ行が
// 2行になることはない。
func (r *PostgresSessionRepo) CreateOrRefresh(ctx context.Context, session *model.Session) (*model.Session, error) {
	saved := &model.Session{}
	var meta sql.NullString
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO user_sessions (id, user_id, session_token, ip_address, meta, is_active, last_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, now(), now())
		 ON CONFLICT (session_token) DO UPDATE
		 SET user_id = EXCLUDED.user_id,
		     ip_address = EXCLUDED.ip_address,
		     meta = EXCLUDED.meta,
		     is_active = TRUE,
		     last_active = now()
		 RETURNING `+sessionColumns,
		session.ID, session.UserID, session.Token, session.IPAddress, nullableJSON(session.Meta),
	).Scan(&saved.ID, &saved.UserID, &saved.Token, &saved.IPAddress, &meta,
		&saved.IsActive, &saved.LastActive, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create or refresh session: %w", err)
	}
	if meta.Valid {
		saved.Meta = []byte(meta.String)
	}
	return saved, nil
}

// FindByToken はトークンでアクティブなセッションを取得する。
// 見つからない、または非アクティブの場合はnilを返す。
func (r *PostgresSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	session := &model.Session{}
	var meta sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM user_sessions
		 WHERE session_token = $1 AND is_active = TRUE`,
		token,
	).Scan(&session.ID, &session.UserID, &session.Token, &session.IPAddress, &meta,
		&session.IsActive, &session.LastActive, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if meta.Valid {
		session.Meta = []byte(meta.String)
	}

	return session, nil
}

// ListByUserID は指定ユーザーのアクティブセッション一覧をlast_active降順で返す。
func (r *PostgresSessionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM user_sessions
		 WHERE user_id = $1 AND is_active = TRUE
		 ORDER BY last_active DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session := &model.Session{}
		var meta sql.NullString
		if err := rows.Scan(&session.ID, &session.UserID, &session.Token, &session.IPAddress, &meta,
			&session.IsActive, &session.LastActive, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if meta.Valid {
			session.Meta = []byte(meta.String)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeactivateByToken は指定トークンのセッションを非アクティブ化する。
// 該当行が存在しない場合もエラーにしない（冪等）。
func (r *PostgresSessionRepo) DeactivateByToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = FALSE
		 WHERE session_token = $1 AND is_active = TRUE`,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

// DeactivateByUserID は指定ユーザーの全アクティブセッションを非アクティブ化する。
// excludeTokenが空でない場合、そのトークンのセッションは除外する。
// 「他の端末から全てログアウト」と管理者による強制ログアウトの両方で使用する。
func (r *PostgresSessionRepo) DeactivateByUserID(ctx context.Context, userID, excludeToken string) (int64, error) {
	var result sql.Result
	var err error
	if excludeToken != "" {
		result, err = r.db.ExecContext(ctx,
			`UPDATE user_sessions SET is_active = FALSE
			 WHERE user_id = $1 AND is_active = TRUE AND session_token <> $2`,
			userID, excludeToken,
		)
	} else {
		result, err = r.db.ExecContext(ctx,
			`UPDATE user_sessions SET is_active = FALSE
			 WHERE user_id = $1 AND is_active = TRUE`,
			userID,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deactivated count: %w", err)
	}
	return count, nil
}

// Sweep は2つの独立した冪等フェーズを実行する。
// (a) lifetimeを超過したアクティブセッションの非アクティブ化
// (b) retentionDaysを超過した行の物理削除
// 同一時刻で再実行しても冗長なno-op書き込み以外の副作用はない。
func (r *PostgresSessionRepo) Sweep(ctx context.Context, now time.Time, lifetime time.Duration, retentionDays int) (int64, int64, error) {
	cutoff := now.Add(-lifetime)
	result, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = FALSE
		 WHERE is_active = TRUE AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to deactivate expired sessions: %w", err)
	}
	deactivated, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get deactivated count: %w", err)
	}

	deleteCutoff := now.AddDate(0, 0, -retentionDays)
	result, err = r.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE created_at < $1`,
		deleteCutoff,
	)
	if err != nil {
		return deactivated, 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return deactivated, 0, fmt.Errorf("failed to get deleted count: %w", err)
	}

	return deactivated, deleted, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
