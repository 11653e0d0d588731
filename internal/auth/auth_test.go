package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"follower-platform/config"
	"follower-platform/internal/database"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeUsers struct {
	users map[string]*database.FollowerUser
	err   error
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*database.FollowerUser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[userID], nil
}

func strPtr(s string) *string {
	return &s
}

func newTestService(users *fakeUsers, masterKey, jwtSecret string) *Service {
	return NewService(users, config.AuthConfig{
		MasterKey:          masterKey,
		JWTSecret:          jwtSecret,
		AdminTokenDuration: time.Hour,
	}, zerolog.Nop())
}

// ============================================================================
// TEST: agent keys
// ============================================================================

func TestGenerateAndVerifyAgentKey(t *testing.T) {
	plaintext, hash, err := GenerateAgentKey("user-1")
	if err != nil {
		t.Fatalf("GenerateAgentKey: %v", err)
	}

	if !strings.HasPrefix(plaintext, "user-1.") {
		t.Errorf("plaintext = %q, want user-1. prefix", plaintext)
	}

	userID, secret, ok := SplitAgentKey(plaintext)
	if !ok || userID != "user-1" {
		t.Fatalf("SplitAgentKey(%q) = %q, %q, %v", plaintext, userID, secret, ok)
	}
	if strings.Contains(hash, secret) {
		t.Error("hash contains the plaintext secret")
	}

	if !VerifyAgentKey(hash, secret) {
		t.Error("valid secret rejected")
	}
	if VerifyAgentKey(hash, "wrong-secret") {
		t.Error("wrong secret accepted")
	}
}

func TestGeneratedKeysAreUnique(t *testing.T) {
	first, firstHash, err := GenerateAgentKey("user-1")
	if err != nil {
		t.Fatalf("GenerateAgentKey: %v", err)
	}
	second, secondHash, err := GenerateAgentKey("user-1")
	if err != nil {
		t.Fatalf("GenerateAgentKey: %v", err)
	}

	if first == second {
		t.Error("two generated keys are identical")
	}
	if firstHash == secondHash {
		t.Error("two generated hashes are identical")
	}
}

func TestSplitAgentKey(t *testing.T) {
	cases := []struct {
		name       string
		key        string
		wantUserID string
		wantSecret string
		wantOK     bool
	}{
		{"simple", "user-1.abc123", "user-1", "abc123", true},
		{"id with dots", "ops.team.user.s3cret", "ops.team.user", "s3cret", true},
		{"no separator", "nodot", "", "", false},
		{"empty user id", ".secret", "", "", false},
		{"empty secret", "user-1.", "", "", false},
		{"empty key", "", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID, secret, ok := SplitAgentKey(tc.key)
			if ok != tc.wantOK || userID != tc.wantUserID || secret != tc.wantSecret {
				t.Errorf("SplitAgentKey(%q) = %q, %q, %v; want %q, %q, %v",
					tc.key, userID, secret, ok, tc.wantUserID, tc.wantSecret, tc.wantOK)
			}
		})
	}
}

// ============================================================================
// TEST: admin tokens
// ============================================================================

func TestAdminTokenRoundTrip(t *testing.T) {
	manager := NewJWTManager("test-jwt-secret", time.Hour)

	token, err := manager.GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	claims, err := manager.ValidateAdminToken(token)
	if err != nil {
		t.Fatalf("ValidateAdminToken: %v", err)
	}
	if !claims.IsAdmin {
		t.Error("claims.IsAdmin = false")
	}
	if claims.Subject != "admin" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if claims.ID == "" {
		t.Error("token id is empty")
	}

	second, err := manager.GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}
	secondClaims, err := manager.ValidateAdminToken(second)
	if err != nil {
		t.Fatalf("ValidateAdminToken: %v", err)
	}
	if secondClaims.ID == claims.ID {
		t.Error("two tokens share an id")
	}
}

func TestAdminTokenExpired(t *testing.T) {
	manager := NewJWTManager("test-jwt-secret", -time.Minute)

	token, err := manager.GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	if _, err := manager.ValidateAdminToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestAdminTokenRejections(t *testing.T) {
	manager := NewJWTManager("test-jwt-secret", time.Hour)
	token, err := manager.GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	t.Run("tampered signature", func(t *testing.T) {
		flip := byte('A')
		if token[len(token)-1] == 'A' {
			flip = 'B'
		}
		tampered := token[:len(token)-1] + string(flip)
		if _, err := manager.ValidateAdminToken(tampered); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTManager("different-secret", time.Hour)
		if _, err := other.ValidateAdminToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("empty secret never validates", func(t *testing.T) {
		bare := NewJWTManager("", time.Hour)
		if _, err := bare.GenerateAdminToken(); err == nil {
			t.Error("expected generation error with no secret")
		}
		if _, err := bare.ValidateAdminToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if _, err := manager.ValidateAdminToken("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})
}

// ============================================================================
// TEST: Service
// ============================================================================

func TestAuthenticateAgent(t *testing.T) {
	plaintext, hash, err := GenerateAgentKey("user-1")
	if err != nil {
		t.Fatalf("GenerateAgentKey: %v", err)
	}

	users := &fakeUsers{users: map[string]*database.FollowerUser{
		"user-1":  {UserID: "user-1", AgentKeyHash: &hash},
		"bare":    {UserID: "bare"},
		"emptyed": {UserID: "emptyed", AgentKeyHash: strPtr("")},
	}}
	service := newTestService(users, "master-key", "jwt-secret")
	ctx := context.Background()

	user, err := service.AuthenticateAgent(ctx, plaintext)
	if err != nil {
		t.Fatalf("AuthenticateAgent: %v", err)
	}
	if user.UserID != "user-1" {
		t.Errorf("UserID = %q", user.UserID)
	}

	cases := []struct {
		name    string
		key     string
		wantErr AuthError
	}{
		{"missing key", "", ErrMissingAPIKey},
		{"malformed key", "nodot", ErrInvalidAgentKey},
		{"unknown user", "ghost.secret123", ErrInvalidAgentKey},
		{"no hash on file", "bare.secret123", ErrInvalidAgentKey},
		{"empty hash on file", "emptyed.secret123", ErrInvalidAgentKey},
		{"wrong secret", "user-1.wrong-secret", ErrInvalidAgentKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.AuthenticateAgent(ctx, tc.key); !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestAuthenticateAgentLookupFailure(t *testing.T) {
	users := &fakeUsers{err: errors.New("connection refused")}
	service := newTestService(users, "master-key", "jwt-secret")

	if _, err := service.AuthenticateAgent(context.Background(), "user-1.secret"); !errors.Is(err, ErrInvalidAgentKey) {
		t.Errorf("error = %v, want ErrInvalidAgentKey", err)
	}
}

func TestVerifyMasterKey(t *testing.T) {
	configured := newTestService(&fakeUsers{}, "super-secret", "jwt-secret")
	if !configured.VerifyMasterKey("super-secret") {
		t.Error("correct master key rejected")
	}
	if configured.VerifyMasterKey("wrong") || configured.VerifyMasterKey("") {
		t.Error("wrong master key accepted")
	}

	// An unset master key must reject everything, including empty input
	unset := newTestService(&fakeUsers{}, "", "jwt-secret")
	if unset.VerifyMasterKey("") || unset.VerifyMasterKey("anything") {
		t.Error("unset master key accepted a request")
	}
}

func TestIssueAdminToken(t *testing.T) {
	service := newTestService(&fakeUsers{}, "master-key", "jwt-secret")

	if _, err := service.IssueAdminToken("wrong"); !errors.Is(err, ErrInvalidMasterKey) {
		t.Errorf("error = %v, want ErrInvalidMasterKey", err)
	}

	resp, err := service.IssueAdminToken("master-key")
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}

	claims, err := service.ValidateAdminToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAdminToken: %v", err)
	}
	if !claims.IsAdmin {
		t.Error("issued token is not an admin token")
	}
}

func TestIssueAdminTokenWithoutJWTSecret(t *testing.T) {
	service := newTestService(&fakeUsers{}, "master-key", "")

	if _, err := service.IssueAdminToken("master-key"); err == nil {
		t.Error("expected error when jwt secret is unset")
	}
}

// ============================================================================
// TEST: context helpers
// ============================================================================

func TestAdminContextHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := newTestService(&fakeUsers{}, "master-key", "jwt-secret")

	resp, err := service.IssueAdminToken("master-key")
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	claims, err := service.ValidateAdminToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAdminToken: %v", err)
	}

	var gotAdmin bool
	var gotTokenID string
	router := gin.New()
	router.GET("/guarded", RequireAdmin(service), func(c *gin.Context) {
		gotAdmin = IsAdmin(c)
		gotTokenID = GetTokenID(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !gotAdmin {
		t.Error("IsAdmin = false inside an admin request")
	}
	if gotTokenID != claims.ID {
		t.Errorf("GetTokenID = %q, want %q", gotTokenID, claims.ID)
	}
}

func TestContextHelpersUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if IsAdmin(c) {
		t.Error("IsAdmin = true on a bare context")
	}
	if GetTokenID(c) != "" {
		t.Errorf("GetTokenID = %q on a bare context", GetTokenID(c))
	}
	if GetUserID(c) != "" {
		t.Errorf("GetUserID = %q on a bare context", GetUserID(c))
	}
	if GetAgentUser(c) != nil {
		t.Error("GetAgentUser returned a user on a bare context")
	}
}
