package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/authhub/internal/metrics"
)

// SlidingWindowConfig はスライディングウィンドウ方式のレート制限設定。
type SlidingWindowConfig struct {
	MaxCalls        int           // ウィンドウ内の最大呼び出し数
	Period          time.Duration // ウィンドウ幅
	CleanupInterval time.Duration // 期限切れキーのクリーンアップ間隔
}

// DefaultSlidingWindowConfig は認証エンドポイント向けのデフォルト設定を返す。
// 要件: 10 req/60sec/IP
func DefaultSlidingWindowConfig() SlidingWindowConfig {
	return SlidingWindowConfig{
		MaxCalls:        10,
		Period:          60 * time.Second,
		CleanupInterval: 5 * time.Minute,
	}
}

// SlidingWindowLimiter はキーごとに呼び出し時刻の履歴を保持し、
// 直近Period内の呼び出し数で制限を判定する。
// 判定（履歴の掃除・カウント・判定・追記）はリミッター単位で排他的に行われるため、
// 同時リクエストがあっても制限を超えて許可されることはない。
type SlidingWindowLimiter struct {
	config SlidingWindowConfig

	mu      sync.Mutex
	history map[string][]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSlidingWindowLimiter は新しいSlidingWindowLimiterを生成する。
// バックグラウンドで期限切れキーのクリーンアップを開始する。
// ミドルウェアのインスタンスごとに独立したウィンドウを持つ。
func NewSlidingWindowLimiter(config SlidingWindowConfig) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		config:  config,
		history: make(map[string][]time.Time),
		stopCh:  make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go l.cleanupLoop()
	}

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *SlidingWindowLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Check はキーに対する呼び出しを判定する。
// 許可した場合は履歴に現在時刻を追記してretryAfter=0を返す。
// 拒否した場合は履歴を変更せず、ウィンドウ内最古の呼び出しが
// 期限切れになるまでの秒数+1を返す。
func (l *SlidingWindowLimiter) Check(key string, now time.Time) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := now.Add(-l.config.Period)

	// ウィンドウ外の呼び出し履歴を除去
	calls := l.history[key]
	kept := calls[:0]
	for _, t := range calls {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.config.MaxCalls {
		l.history[key] = kept
		oldest := kept[0]
		retry := int(l.config.Period.Seconds()-now.Sub(oldest).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		return false, retry
	}

	l.history[key] = append(kept, now)
	return true, 0
}

// KeyCount は現在管理されているキー数を返す。テストおよびメトリクス用。
func (l *SlidingWindowLimiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// cleanupLoop はバックグラウンドで期限切れキーを定期的にクリーンアップする。
func (l *SlidingWindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup はウィンドウ内に呼び出しが残っていないキーを削除する。
func (l *SlidingWindowLimiter) cleanup(now time.Time) {
	windowStart := now.Add(-l.config.Period)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, calls := range l.history {
		live := false
		for _, t := range calls {
			if t.After(windowStart) {
				live = true
				break
			}
		}
		if !live {
			delete(l.history, key)
		}
	}
}

// Middleware はクライアントIPをキーとするレート制限ミドルウェアを返す。
// 制限超過時は429と{"message":"Too many requests"}、Retry-Afterヘッダーを返す。
// routeはメトリクスのラベルに使用する。
func (l *SlidingWindowLimiter) Middleware(route string, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetRealIP(r)

			allowed, retryAfter := l.Check(ip, time.Now())
			if !allowed {
				collector.RecordRateLimited(route)
				slog.Warn("rate limit exceeded",
					slog.String("ip", ip),
					slog.String("route", route),
					slog.Int("retry_after", retryAfter),
				)

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"message": "Too many requests",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetRealIP はプロキシヘッダーを考慮してクライアントIPを取得する。
// 優先順: CF-Connecting-IP → X-Forwarded-For（先頭） → X-Real-IP → RemoteAddr
func GetRealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiterConfig は認証済みAPI向けトークンバケット方式のレート制限設定。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 要件: API全般 120 req/min/user
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst:    120,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は認証済みユーザーごとのトークンバケット方式レート制限を管理する。
// 認証エンドポイント向けのSlidingWindowLimiterとは独立に動作する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*userLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*userLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある（SessionMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateGeneralLimiter(userID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// getOrCreateGeneralLimiter はユーザーのAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(userID string) *rate.Limiter {
	rl.generalMu.RLock()
	ul, exists := rl.generalLimiters[userID]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		ul.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return ul.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if ul, exists := rl.generalLimiters[userID]; exists {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[userID] = &userLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for userID, ul := range rl.generalLimiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.generalLimiters, userID)
		}
	}
	rl.generalMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"message": "Too many requests",
	})
}
