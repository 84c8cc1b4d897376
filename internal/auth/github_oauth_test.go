package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newGitHubTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// GitHubはAccept: application/jsonを要求する
		if accept := r.Header.Get("Accept"); accept != "application/json" {
			t.Errorf("unexpected Accept header: %q", accept)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "gh-access-token",
			"token_type":   "bearer",
			"scope":        "read:user,user:email",
		})
	}))
}

func TestGitHubOAuthProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGitHubOAuthProvider(GitHubOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/github/callback",
	})

	loginURL := provider.GetLoginURL("test-state-value")

	tests := []struct {
		name     string
		contains string
	}{
		{"client_id", "client_id=test-client-id"},
		{"redirect_uri", "redirect_uri="},
		{"state", "state=test-state-value"},
		{"scope", "user%3Aemail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(loginURL, tt.contains) {
				t.Errorf("URL should contain %q, got %q", tt.contains, loginURL)
			}
		})
	}
}

func TestGitHubOAuthProvider_ExchangeCode_Success(t *testing.T) {
	tokenServer := newGitHubTokenServer(t)
	defer tokenServer.Close()

	userServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authHeader := r.Header.Get("Authorization"); authHeader != "Bearer gh-access-token" {
			t.Errorf("unexpected Authorization header: %q", authHeader)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    99887766,
			"login": "octocat",
			"name":  "Octo Cat",
			"email": "octocat@example.com",
		})
	}))
	defer userServer.Close()

	provider := NewGitHubOAuthProvider(GitHubOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/github/callback",
		TokenURL:     tokenServer.URL,
		UserInfoURL:  userServer.URL,
	})

	userInfo, err := provider.ExchangeCode(context.Background(), "test-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if userInfo.Provider != "github" {
		t.Errorf("provider = %q, want %q", userInfo.Provider, "github")
	}
	// 数値IDが文字列化されること
	if userInfo.ProviderUserID != "99887766" {
		t.Errorf("providerUserID = %q, want %q", userInfo.ProviderUserID, "99887766")
	}
	if userInfo.Email != "octocat@example.com" {
		t.Errorf("email = %q, want %q", userInfo.Email, "octocat@example.com")
	}
	if userInfo.Name != "Octo Cat" {
		t.Errorf("name = %q, want %q", userInfo.Name, "Octo Cat")
	}
}

func TestGitHubOAuthProvider_ExchangeCode_FetchesPrimaryEmail(t *testing.T) {
	tokenServer := newGitHubTokenServer(t)
	defer tokenServer.Close()

	// /userはemailを返さない（非公開設定）
	userServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    99887766,
			"login": "octocat",
		})
	}))
	defer userServer.Close()

	emailsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"email": "secondary@example.com", "primary": false, "verified": true},
			{"email": "primary@example.com", "primary": true, "verified": true},
		})
	}))
	defer emailsServer.Close()

	provider := NewGitHubOAuthProvider(GitHubOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		TokenURL:     tokenServer.URL,
		UserInfoURL:  userServer.URL,
		EmailsURL:    emailsServer.URL,
	})

	userInfo, err := provider.ExchangeCode(context.Background(), "test-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if userInfo.Email != "primary@example.com" {
		t.Errorf("email = %q, want %q", userInfo.Email, "primary@example.com")
	}
	// 表示名未設定のためloginが使われること
	if userInfo.Name != "octocat" {
		t.Errorf("name = %q, want %q", userInfo.Name, "octocat")
	}
}

func TestGitHubOAuthProvider_ExchangeCode_NoEmailAnywhere(t *testing.T) {
	tokenServer := newGitHubTokenServer(t)
	defer tokenServer.Close()

	userServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    99887766,
			"login": "octocat",
		})
	}))
	defer userServer.Close()

	emailsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer emailsServer.Close()

	provider := NewGitHubOAuthProvider(GitHubOAuthConfig{
		TokenURL:    tokenServer.URL,
		UserInfoURL: userServer.URL,
		EmailsURL:   emailsServer.URL,
	})

	userInfo, err := provider.ExchangeCode(context.Background(), "test-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	// メールアドレス欠落はエラーにせず空のまま返す（判定は呼び出し側）
	if userInfo.Email != "" {
		t.Errorf("email = %q, want empty", userInfo.Email)
	}
}

func TestGitHubOAuthProvider_ExchangeCode_TokenError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer tokenServer.Close()

	provider := NewGitHubOAuthProvider(GitHubOAuthConfig{
		TokenURL: tokenServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "bad-code"); err == nil {
		t.Fatal("expected error from ExchangeCode with invalid code")
	}
}
