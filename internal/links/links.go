// Package links issues and verifies capability links: signed, time-limited
// tokens that grant read access to one stored file without further
// authentication.
package links

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"vidvault/internal/models"
	"vidvault/internal/observability/logging"
	"vidvault/internal/observability/metrics"
	"vidvault/internal/storage"
)

var (
	// ErrLinkExpired covers expired, tampered and malformed tokens alike.
	ErrLinkExpired   = errors.New("link expired")
	ErrInvalidExpiry = errors.New("invalid expiry")
	ErrVideoNotFound = errors.New("video not found")
)

const (
	DefaultIssuer = "vidvault"
	DefaultTTL    = time.Hour
	DefaultMaxTTL = 7 * 24 * time.Hour

	keyInfo      = "vidvault capability link v1"
	minSecretLen = 16
	accessPath   = "/api/videos/"
)

// VideoLookup is the part of the store the link service reads.
type VideoLookup interface {
	GetVideo(ctx context.Context, id int64) (models.Video, error)
}

type Config struct {
	Secret  string
	BaseURL string
	Issuer  string
	// DefaultTTL applies when a request names no expiry. MaxTTL rejects longer
	// lifetimes; zero disables the cap.
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Videos     VideoLookup
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Link is an issued capability link.
type Link struct {
	URL       string
	Token     string
	VideoID   int64
	ExpiresAt time.Time
}

// Grant is what a verified token authorizes.
type Grant struct {
	VideoID   int64
	Filepath  string
	ExpiresAt time.Time
}

type claims struct {
	Filepath string `json:"filepath"`
	VideoID  int64  `json:"vid"`
	jwt.RegisteredClaims
}

type Service struct {
	key        []byte
	baseURL    string
	issuer     string
	defaultTTL time.Duration
	maxTTL     time.Duration
	videos     VideoLookup
	metrics    *metrics.Recorder
	logger     *slog.Logger
	clock      func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("links: secret must be at least %d bytes", minSecretLen)
	}
	if cfg.Videos == nil {
		return nil, errors.New("links: video lookup is required")
	}
	key, err := deriveKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		key:        key,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		issuer:     strings.TrimSpace(cfg.Issuer),
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		videos:     cfg.Videos,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
	}
	if svc.issuer == "" {
		svc.issuer = DefaultIssuer
	}
	if svc.defaultTTL <= 0 {
		svc.defaultTTL = DefaultTTL
	}
	if svc.maxTTL < 0 {
		svc.maxTTL = 0
	}
	if svc.metrics == nil {
		svc.metrics = metrics.Default()
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	svc.logger = logging.WithComponent(svc.logger, "links")
	if svc.clock == nil {
		svc.clock = time.Now
	}
	return svc, nil
}

// deriveKey stretches the configured secret into the HMAC key so the raw
// secret never signs tokens directly.
func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("links: derive signing key: %w", err)
	}
	return key, nil
}

// IssueLink signs a token for the video's current file. The link keeps
// pointing at that file even if the video is trimmed later.
func (s *Service) IssueLink(ctx context.Context, videoID int64, expiry string) (Link, error) {
	ttl := s.defaultTTL
	if strings.TrimSpace(expiry) != "" {
		parsed, err := ParseExpiry(expiry)
		if err != nil {
			return Link{}, fmt.Errorf("%w: %v", ErrInvalidExpiry, err)
		}
		ttl = parsed
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		return Link{}, fmt.Errorf("%w: %s exceeds the maximum of %s", ErrInvalidExpiry, ttl, s.maxTTL)
	}
	if videoID <= 0 {
		return Link{}, ErrVideoNotFound
	}

	video, err := s.videos.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Link{}, fmt.Errorf("%w: %d", ErrVideoNotFound, videoID)
		}
		return Link{}, fmt.Errorf("lookup video %d: %w", videoID, err)
	}

	now := s.clock()
	expiresAt := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Filepath: video.Filepath,
		VideoID:  video.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return Link{}, fmt.Errorf("sign link: %w", err)
	}
	s.metrics.ObserveLink("issued")
	logging.WithContext(ctx, s.logger).Info("link issued", "video_id", video.ID, "expires_at", expiresAt.UTC())
	return Link{
		URL:       s.baseURL + accessPath + signed,
		Token:     signed,
		VideoID:   video.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// ResolveLink verifies token and returns the file it grants. Every failure
// reports ErrLinkExpired; the specific reason is only logged. Tokens are not
// consumed, so resolving the same token again yields the same grant.
func (s *Service) ResolveLink(ctx context.Context, token string) (Grant, error) {
	logger := logging.WithContext(ctx, s.logger)
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), parsed, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err == nil && strings.TrimSpace(parsed.Filepath) == "" {
		err = errors.New("token carries no filepath")
	}
	if err != nil {
		s.metrics.ObserveLink("rejected")
		logger.Info("link rejected", "reason", rejectReason(err), "error", err)
		return Grant{}, ErrLinkExpired
	}
	s.metrics.ObserveLink("resolved")
	grant := Grant{VideoID: parsed.VideoID, Filepath: parsed.Filepath}
	if parsed.ExpiresAt != nil {
		grant.ExpiresAt = parsed.ExpiresAt.Time
	}
	return grant, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "invalid"
	}
}
