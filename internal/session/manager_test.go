package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/glucosync/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeSecrets はテスト用のCredentialProvider。
type fakeSecrets struct {
	creds map[string]*model.Credentials
}

func (f *fakeSecrets) GetCredentials(ctx context.Context, userID, source string) (*model.Credentials, error) {
	if c, ok := f.creds[userID+"/"+source]; ok {
		return c, nil
	}
	return nil, model.ErrCredentialsNotFound
}

// fakeAdapter はテスト用のSource Adapter。認証呼び出し回数を数える。
type fakeAdapter struct {
	mu         sync.Mutex
	authCalls  int
	authErr    error
	sessionTTL time.Duration
}

func (f *fakeAdapter) Name() string { return "libre" }

func (f *fakeAdapter) Authenticate(ctx context.Context, creds *model.Credentials) (*model.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	ttl := f.sessionTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &model.AuthSession{
		UserID:      creds.UserID,
		Source:      "libre",
		BearerToken: "tok",
		ExpiresAt:   time.Now().Add(ttl),
	}, nil
}

func (f *fakeAdapter) FetchReadings(ctx context.Context, s *model.AuthSession, since time.Time) ([]model.RawReading, error) {
	return nil, nil
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func newTestManager(adapter *fakeAdapter) *Manager {
	secrets := &fakeSecrets{creds: map[string]*model.Credentials{
		"user-1/libre": {UserID: "user-1", Source: "libre", Username: "u", Password: "p"},
	}}
	return NewManager(secrets, testLogger(), Config{
		ExpiryMargin:    60 * time.Second,
		LoginRatePerSec: 1000, // テストでは待機させない
		LoginRateBurst:  1000,
	})
}

func TestGetSession_CachedAcrossCalls(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestManager(adapter)

	s1, err := m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	s2, err := m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if s1.BearerToken != s2.BearerToken {
		t.Error("有効なセッションは再利用されるべき")
	}
	if adapter.calls() != 1 {
		t.Errorf("authenticate呼び出し回数 = %d, want 1（キャッシュが効くべき）", adapter.calls())
	}
}

func TestGetSession_ProactiveRefreshWithinMargin(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestManager(adapter)

	// T+3600sに失効するセッションをT+3590s時点（余裕幅60s以内）で使用する
	base := time.Now()
	_, err := m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	e := m.entry("user-1", "libre")
	e.mu.Lock()
	e.session.ExpiresAt = base.Add(3600 * time.Second)
	e.mu.Unlock()

	m.now = func() time.Time { return base.Add(3590 * time.Second) }

	_, err = m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if adapter.calls() != 2 {
		t.Errorf("余裕幅内のセッションはフェッチ前に再認証されるべき: calls = %d, want 2", adapter.calls())
	}
}

func TestGetSession_OutsideMarginReused(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestManager(adapter)

	base := time.Now()
	_, err := m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	e := m.entry("user-1", "libre")
	e.mu.Lock()
	e.session.ExpiresAt = base.Add(3600 * time.Second)
	e.mu.Unlock()

	// T+3500s時点では余裕幅（60s）の外なので再利用される
	m.now = func() time.Time { return base.Add(3500 * time.Second) }

	_, err = m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if adapter.calls() != 1 {
		t.Errorf("余裕幅外のセッションは再利用されるべき: calls = %d, want 1", adapter.calls())
	}
}

func TestGetSession_CredentialsNotFound(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestManager(adapter)

	_, err := m.GetSession(context.Background(), adapter, "unknown-user")
	if !errors.Is(err, model.ErrCredentialsNotFound) {
		t.Fatalf("資格情報なしはErrCredentialsNotFoundを返すべき, got %v", err)
	}
	if adapter.calls() != 0 {
		t.Error("資格情報がない場合はauthenticateを呼ばないべき")
	}
}

func TestGetSession_AuthFailureNotCached(t *testing.T) {
	adapter := &fakeAdapter{authErr: model.NewAuthError(model.AuthErrProviderUnavailable, "libre", nil)}
	m := newTestManager(adapter)

	_, err := m.GetSession(context.Background(), adapter, "user-1")
	if err == nil {
		t.Fatal("認証失敗はエラーを返すべき")
	}

	// 失敗後に成功するようになった場合、次回呼び出しで再認証される
	adapter.mu.Lock()
	adapter.authErr = nil
	adapter.mu.Unlock()

	s, err := m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s == nil {
		t.Fatal("復旧後はセッションを返すべき")
	}
}

func TestInvalidate_ForcesReauth(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestManager(adapter)

	_, err := m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	m.Invalidate("user-1", "libre")

	_, err = m.GetSession(context.Background(), adapter, "user-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if adapter.calls() != 2 {
		t.Errorf("Invalidate後は再認証されるべき: calls = %d, want 2", adapter.calls())
	}
}

func TestGetSession_SingleFlight(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestManager(adapter)

	// 同一ユーザーへの並行呼び出しでもログインは1回に抑えられる
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.GetSession(context.Background(), adapter, "user-1")
		}()
	}
	wg.Wait()

	if adapter.calls() != 1 {
		t.Errorf("並行呼び出しはsingle-flightされるべき: calls = %d, want 1", adapter.calls())
	}
}
