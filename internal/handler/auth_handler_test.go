package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authhub/internal/auth"
	"github.com/hitoshi/authhub/internal/metrics"
	"github.com/hitoshi/authhub/internal/middleware"
	"github.com/hitoshi/authhub/internal/model"
)

type mockAuthService struct {
	getLoginURLFn    func(providerName, state string) (string, error)
	handleCallbackFn func(ctx context.Context, providerName, code string, client auth.ClientInfo, caller *auth.CallerSession) (*auth.LoginResult, error)
}

func (m *mockAuthService) GetLoginURL(providerName, state string) (string, error) {
	return m.getLoginURLFn(providerName, state)
}

func (m *mockAuthService) HandleCallback(ctx context.Context, providerName, code string, client auth.ClientInfo, caller *auth.CallerSession) (*auth.LoginResult, error) {
	return m.handleCallbackFn(ctx, providerName, code, client, caller)
}

type mockSessionDeactivator struct {
	deactivateTokenFn func(ctx context.Context, token string) error
}

func (m *mockSessionDeactivator) DeactivateToken(ctx context.Context, token string) error {
	if m.deactivateTokenFn != nil {
		return m.deactivateTokenFn(ctx, token)
	}
	return nil
}

type mockUserFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserFinder) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.findByIDFn(ctx, id)
}

// recordingCollector は記録されたメトリクスを保持するテスト用コレクター。
type recordingCollector struct {
	metrics.NopCollector
	outcomes  []string
	failures  []string
	latencies int
}

func (c *recordingCollector) RecordLoginOutcome(outcome string) { c.outcomes = append(c.outcomes, outcome) }
func (c *recordingCollector) RecordAuthFailure(code string)     { c.failures = append(c.failures, code) }
func (c *recordingCollector) RecordCallbackLatency(time.Duration) { c.latencies++ }

func testAuthConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		BaseURL:       "http://localhost:3000",
		CookieSecure:  false,
		SessionMaxAge: 3600,
	}
}

// newAuthRouter はproviderパラメータ付きルートでハンドラーをマウントする。
func newAuthRouter(h *AuthHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/auth/{provider}/login", h.Login)
	r.Get("/auth/{provider}/callback", h.Callback)
	r.Post("/auth/logout", h.Logout)
	return r
}

func TestAuthHandler_Login(t *testing.T) {
	var gotProvider, gotState string
	service := &mockAuthService{
		getLoginURLFn: func(providerName, state string) (string, error) {
			gotProvider = providerName
			gotState = state
			return "https://accounts.google.com/o/oauth2/auth?state=" + state, nil
		},
	}
	h := NewAuthHandler(service, nil, nil, nil, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/login", nil)
	rec := httptest.NewRecorder()
	newAuthRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("expected status 307, got %d", rec.Code)
	}
	if gotProvider != "google" {
		t.Errorf("expected provider google, got %s", gotProvider)
	}
	if gotState == "" {
		t.Error("expected non-empty state")
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "state="+gotState) {
		t.Errorf("redirect URL does not carry state: %s", loc)
	}

	// stateがCookieに保存されていることを確認
	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == oauthStateCookie {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("expected oauth_state cookie to be set")
	}
	if stateCookie.Value != gotState {
		t.Errorf("state cookie mismatch: cookie=%s service=%s", stateCookie.Value, gotState)
	}
	if !stateCookie.HttpOnly {
		t.Error("state cookie should be HttpOnly")
	}
}

func TestAuthHandler_Login_UnknownProvider(t *testing.T) {
	service := &mockAuthService{
		getLoginURLFn: func(providerName, state string) (string, error) {
			return "", model.NewUnknownProviderError(providerName)
		},
	}
	collector := &recordingCollector{}
	h := NewAuthHandler(service, nil, nil, collector, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/twitter/login", nil)
	rec := httptest.NewRecorder()
	newAuthRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Code != model.ErrCodeUnknownProvider {
		t.Errorf("expected code UNKNOWN_PROVIDER, got %s", body.Code)
	}
	if len(collector.failures) != 1 || collector.failures[0] != model.ErrCodeUnknownProvider {
		t.Errorf("expected auth failure metric, got %v", collector.failures)
	}
}

func callbackRequest(state, queryState, code string) *http.Request {
	url := "/auth/google/callback?state=" + queryState
	if code != "" {
		url += "&code=" + code
	}
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if state != "" {
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: state})
	}
	return req
}

func TestAuthHandler_Callback(t *testing.T) {
	var gotCode string
	var gotClient auth.ClientInfo
	service := &mockAuthService{
		handleCallbackFn: func(_ context.Context, providerName, code string, client auth.ClientInfo, caller *auth.CallerSession) (*auth.LoginResult, error) {
			gotCode = code
			gotClient = client
			if caller != nil {
				t.Errorf("expected no caller session, got %+v", caller)
			}
			return &auth.LoginResult{
				User:    &model.User{ID: "user-1", Email: "a@example.com"},
				Session: &model.Session{Token: "session-token-abc", UserID: "user-1"},
				Outcome: auth.OutcomeCreatedNew,
			}, nil
		},
	}
	collector := &recordingCollector{}
	h := NewAuthHandler(service, nil, nil, collector, testAuthConfig())

	req := callbackRequest("state123", "state123", "authcode")
	req.Header.Set("User-Agent", "test-agent")
	rec := httptest.NewRecorder()
	newAuthRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected status 307, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") != "http://localhost:3000" {
		t.Errorf("unexpected redirect target: %s", rec.Header().Get("Location"))
	}
	if gotCode != "authcode" {
		t.Errorf("expected code authcode, got %s", gotCode)
	}
	if !strings.Contains(string(gotClient.Meta), "test-agent") {
		t.Errorf("expected user agent in client meta, got %s", gotClient.Meta)
	}

	// セッションCookieが設定され、stateクッキーが削除されていることを確認
	var sessionCookie, stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case middleware.SessionCookieName:
			sessionCookie = c
		case oauthStateCookie:
			stateCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("expected session cookie to be set")
	}
	if sessionCookie.Value != "session-token-abc" {
		t.Errorf("unexpected session cookie value: %s", sessionCookie.Value)
	}
	if !sessionCookie.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if stateCookie == nil || stateCookie.MaxAge != -1 {
		t.Error("expected state cookie to be cleared")
	}

	if len(collector.outcomes) != 1 || collector.outcomes[0] != string(auth.OutcomeCreatedNew) {
		t.Errorf("expected login outcome metric, got %v", collector.outcomes)
	}
	if collector.latencies != 1 {
		t.Errorf("expected callback latency to be recorded once, got %d", collector.latencies)
	}
}

func TestAuthHandler_Callback_StateMismatch(t *testing.T) {
	called := false
	service := &mockAuthService{
		handleCallbackFn: func(context.Context, string, string, auth.ClientInfo, *auth.CallerSession) (*auth.LoginResult, error) {
			called = true
			return nil, nil
		},
	}
	h := NewAuthHandler(service, nil, nil, nil, testAuthConfig())

	tests := []struct {
		name        string
		cookieState string
		queryState  string
	}{
		{"stateが一致しない", "state123", "other"},
		{"stateクッキーがない", "", "state123"},
		{"stateクエリが空", "state123", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newAuthRouter(h).ServeHTTP(rec, callbackRequest(tt.cookieState, tt.queryState, "code"))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", rec.Code)
			}
		})
	}
	if called {
		t.Error("service should not be called on state mismatch")
	}
}

func TestAuthHandler_Callback_MissingCode(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, nil, nil, nil, testAuthConfig())

	rec := httptest.NewRecorder()
	newAuthRouter(h).ServeHTTP(rec, callbackRequest("state123", "state123", ""))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestAuthHandler_Callback_PassesCallerSession(t *testing.T) {
	var gotCaller *auth.CallerSession
	service := &mockAuthService{
		handleCallbackFn: func(_ context.Context, _, _ string, _ auth.ClientInfo, caller *auth.CallerSession) (*auth.LoginResult, error) {
			gotCaller = caller
			return &auth.LoginResult{
				User:    &model.User{ID: "user-2"},
				Session: &model.Session{Token: "new-token", UserID: "user-2"},
				Outcome: auth.OutcomeLoggedInExisting,
			}, nil
		},
	}
	h := NewAuthHandler(service, nil, nil, nil, testAuthConfig())

	// オプショナルセッションミドルウェアが注入した既存セッションを模倣
	req := callbackRequest("s1", "s1", "code")
	existing := &model.Session{Token: "old-token", UserID: "user-9"}
	req = req.WithContext(middleware.ContextWithSession(req.Context(), existing))

	rec := httptest.NewRecorder()
	newAuthRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected status 307, got %d", rec.Code)
	}
	if gotCaller == nil {
		t.Fatal("expected caller session to be passed")
	}
	if gotCaller.Token != "old-token" || gotCaller.UserID != "user-9" {
		t.Errorf("unexpected caller session: %+v", gotCaller)
	}
}

func TestAuthHandler_Callback_ServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"メール欠落は400", model.NewMissingEmailError("github"), http.StatusBadRequest, model.ErrCodeMissingEmail},
		{"プロバイダー障害は502", model.NewAuthProviderError("google"), http.StatusBadGateway, model.ErrCodeAuthProviderError},
		{"ストレージ競合は409", model.NewStorageConflictError(), http.StatusConflict, model.ErrCodeStorageConflict},
		{"ユーザー不在は401", model.NewUserNotFoundError(), http.StatusUnauthorized, model.ErrCodeUserNotFound},
		{"想定外エラーは500", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &mockAuthService{
				handleCallbackFn: func(context.Context, string, string, auth.ClientInfo, *auth.CallerSession) (*auth.LoginResult, error) {
					return nil, tt.err
				},
			}
			collector := &recordingCollector{}
			h := NewAuthHandler(service, nil, nil, collector, testAuthConfig())

			rec := httptest.NewRecorder()
			newAuthRouter(h).ServeHTTP(rec, callbackRequest("s1", "s1", "code"))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body middleware.ErrorResponseBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, body.Code)
			}

			// セッションCookieは設定されないこと
			for _, c := range rec.Result().Cookies() {
				if c.Name == middleware.SessionCookieName {
					t.Error("session cookie should not be set on failure")
				}
			}
			if len(collector.outcomes) != 0 {
				t.Errorf("login outcome should not be recorded on failure, got %v", collector.outcomes)
			}
		})
	}
}

func TestAuthHandler_Logout(t *testing.T) {
	var deactivated string
	sessions := &mockSessionDeactivator{
		deactivateTokenFn: func(_ context.Context, token string) error {
			deactivated = token
			return nil
		},
	}
	h := NewAuthHandler(&mockAuthService{}, sessions, nil, nil, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "token-to-kill"})
	rec := httptest.NewRecorder()
	newAuthRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("expected status 307, got %d", rec.Code)
	}
	if deactivated != "token-to-kill" {
		t.Errorf("expected token-to-kill to be deactivated, got %s", deactivated)
	}

	var cleared *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			cleared = c
		}
	}
	if cleared == nil || cleared.MaxAge != -1 {
		t.Error("expected session cookie to be cleared")
	}
}

func TestAuthHandler_Logout_DeactivationFailureStillClearsCookie(t *testing.T) {
	sessions := &mockSessionDeactivator{
		deactivateTokenFn: func(context.Context, string) error {
			return errors.New("db down")
		},
	}
	h := NewAuthHandler(&mockAuthService{}, sessions, nil, nil, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "token"})
	rec := httptest.NewRecorder()
	newAuthRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("expected status 307, got %d", rec.Code)
	}
	var cleared *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			cleared = c
		}
	}
	if cleared == nil || cleared.MaxAge != -1 {
		t.Error("expected session cookie to be cleared even when deactivation fails")
	}
}

func TestAuthHandler_Me(t *testing.T) {
	users := &mockUserFinder{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			if id != "user-1" {
				t.Errorf("expected user-1, got %s", id)
			}
			return &model.User{ID: "user-1", Email: "a@example.com", Name: "Alice", PasswordSet: false}, nil
		},
	}
	h := NewAuthHandler(&mockAuthService{}, nil, users, nil, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["id"] != "user-1" || body["email"] != "a@example.com" || body["name"] != "Alice" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["password_set"] != false {
		t.Errorf("expected password_set false, got %v", body["password_set"])
	}
}

func TestAuthHandler_Me_Unauthenticated(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, nil, &mockUserFinder{}, nil, testAuthConfig())

	rec := httptest.NewRecorder()
	h.Me(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestAuthHandler_Me_UserGone(t *testing.T) {
	users := &mockUserFinder{
		findByIDFn: func(context.Context, string) (*model.User, error) { return nil, nil },
	}
	h := NewAuthHandler(&mockAuthService{}, nil, users, nil, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "gone"))
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}
