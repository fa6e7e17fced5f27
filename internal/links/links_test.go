package links

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vidvault/internal/observability/logging"
	"vidvault/internal/observability/metrics"
	"vidvault/internal/storage"
)

const testSecret = "0123456789abcdef-test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, mutate ...func(*Config)) (*Service, storage.Repository, *testClock, *metrics.Recorder) {
	t.Helper()
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	recorder := metrics.New()
	cfg := Config{
		Secret:  testSecret,
		BaseURL: "http://localhost:3000/",
		MaxTTL:  DefaultMaxTTL,
		Videos:  repo,
		Metrics: recorder,
		Logger:  logging.Discard(),
		Clock:   clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, repo, clock, recorder
}

func seedVideo(t *testing.T, repo storage.Repository, path string) int64 {
	t.Helper()
	video, err := repo.CreateVideo(context.Background(), storage.CreateVideoParams{Filename: filepath.Base(path), Filepath: path, Size: 1, Duration: 10})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return video.ID
}

func TestIssueThenResolve(t *testing.T) {
	svc, repo, clock, recorder := newTestService(t)
	id := seedVideo(t, repo, "/data/uploads/1714564800000-clip.mp4")

	link, err := svc.IssueLink(context.Background(), id, "1h")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(link.URL, "http://localhost:3000/api/videos/") || !strings.HasSuffix(link.URL, link.Token) {
		t.Fatalf("unexpected link url %q", link.URL)
	}
	if !link.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", link.ExpiresAt)
	}

	for i := 0; i < 3; i++ {
		grant, err := svc.ResolveLink(context.Background(), link.Token)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if grant.Filepath != "/data/uploads/1714564800000-clip.mp4" || grant.VideoID != id {
			t.Fatalf("unexpected grant %+v", grant)
		}
	}
	counts := recorder.LinkCounts()
	if counts["issued"] != 1 || counts["resolved"] != 3 {
		t.Fatalf("unexpected link metrics %+v", counts)
	}
}

func TestResolveAfterExpiry(t *testing.T) {
	svc, repo, clock, recorder := newTestService(t)
	id := seedVideo(t, repo, "/data/a.mp4")
	link, err := svc.IssueLink(context.Background(), id, "10s")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(9 * time.Second)
	if _, err := svc.ResolveLink(context.Background(), link.Token); err != nil {
		t.Fatalf("expected token to be valid before expiry: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := svc.ResolveLink(context.Background(), link.Token); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
	if recorder.LinkCounts()["rejected"] != 1 {
		t.Fatalf("expected a rejection metric, got %+v", recorder.LinkCounts())
	}
}

func TestResolveRejectsTamperedAndForeignTokens(t *testing.T) {
	svc, repo, clock, _ := newTestService(t)
	id := seedVideo(t, repo, "/data/a.mp4")
	link, err := svc.IssueLink(context.Background(), id, "1h")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(link.Token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWT, got %q", link.Token)
	}
	flipped := []byte(parts[2])
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	badSignature := parts[0] + "." + parts[1] + "." + string(flipped)

	otherSvc, _, _, _ := newTestService(t, func(cfg *Config) {
		cfg.Secret = "another-secret-value-entirely"
		cfg.Videos = repo
		cfg.Clock = clock.Now
	})
	foreign, err := otherSvc.IssueLink(context.Background(), id, "1h")
	if err != nil {
		t.Fatalf("issue foreign: %v", err)
	}

	// A token signed with the raw secret instead of the derived key.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Filepath: "/etc/passwd",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	})
	rawSigned, err := raw.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign raw: %v", err)
	}

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Filepath:         "/data/a.mp4",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer},
	})
	noExpirySigned, err := noExpiry.SignedString(svc.key)
	if err != nil {
		t.Fatalf("sign without expiry: %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		Filepath: "/data/a.mp4",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	})
	unsignedToken, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tokens := map[string]string{
		"bad signature":  badSignature,
		"foreign secret": foreign.Token,
		"raw secret":     rawSigned,
		"no expiry":      noExpirySigned,
		"alg none":       unsignedToken,
		"malformed":      "not-a-token",
		"empty":          "",
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.ResolveLink(context.Background(), token); !errors.Is(err, ErrLinkExpired) {
				t.Fatalf("expected ErrLinkExpired, got %v", err)
			}
		})
	}
}

func TestLinkKeepsIssuedFilepath(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	id := seedVideo(t, repo, "/data/original.mp4")
	link, err := svc.IssueLink(context.Background(), id, "1h")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := repo.UpdateVideo(context.Background(), id, storage.VideoUpdate{Filepath: "/data/trimmed.mp4", Duration: 5}); err != nil {
		t.Fatalf("update: %v", err)
	}
	grant, err := svc.ResolveLink(context.Background(), link.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if grant.Filepath != "/data/original.mp4" {
		t.Fatalf("expected filepath captured at issue time, got %q", grant.Filepath)
	}
}

func TestIssueLinkErrors(t *testing.T) {
	svc, repo, _, _ := newTestService(t, func(cfg *Config) { cfg.MaxTTL = 24 * time.Hour })
	id := seedVideo(t, repo, "/data/a.mp4")

	tests := []struct {
		name    string
		videoID int64
		expiry  string
		want    error
	}{
		{name: "missing video", videoID: id + 10, expiry: "1h", want: ErrVideoNotFound},
		{name: "zero id", videoID: 0, expiry: "1h", want: ErrVideoNotFound},
		{name: "garbage expiry", videoID: id, expiry: "soon", want: ErrInvalidExpiry},
		{name: "zero expiry", videoID: id, expiry: "0", want: ErrInvalidExpiry},
		{name: "negative expiry", videoID: id, expiry: "-5m", want: ErrInvalidExpiry},
		{name: "over cap", videoID: id, expiry: "2d", want: ErrInvalidExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.IssueLink(context.Background(), tt.videoID, tt.expiry); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestIssueLinkDefaultTTL(t *testing.T) {
	svc, repo, clock, _ := newTestService(t, func(cfg *Config) { cfg.DefaultTTL = 30 * time.Minute })
	id := seedVideo(t, repo, "/data/a.mp4")
	link, err := svc.IssueLink(context.Background(), id, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !link.ExpiresAt.Equal(clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected default ttl, got %s", link.ExpiresAt)
	}
}

func TestNewServiceRequiresSecret(t *testing.T) {
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := NewService(Config{Secret: "short", Videos: repo}); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
	if _, err := NewService(Config{Secret: testSecret}); err == nil {
		t.Fatal("expected missing lookup to be rejected")
	}
}

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
		err   bool
	}{
		{input: "1h", want: time.Hour},
		{input: "30m", want: 30 * time.Minute},
		{input: "10s", want: 10 * time.Second},
		{input: "2d", want: 48 * time.Hour},
		{input: "1w", want: 7 * 24 * time.Hour},
		{input: "3600", want: time.Hour},
		{input: "90 minutes", want: 90 * time.Minute},
		{input: "1.5h", want: 90 * time.Minute},
		{input: "2 Days", want: 48 * time.Hour},
		{input: "1h30m", want: 90 * time.Minute},
		{input: "500ms", want: 500 * time.Millisecond},
		{input: "", err: true},
		{input: "0", err: true},
		{input: "-1h", err: true},
		{input: "5 fortnights", err: true},
		{input: "tomorrow", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseExpiry(tt.input)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}
