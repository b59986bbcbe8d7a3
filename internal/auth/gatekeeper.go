package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/collabfab/roomserver/internal/types"
)

// ErrUnauthorized is returned for any credential the gatekeeper cannot
// accept: missing, malformed, expired, or rejected by the verification
// service. Callers terminate the upgrade without distinguishing further.
var ErrUnauthorized = errors.New("unauthorized")

const verifyTimeout = 5 * time.Second

// TokenVerifier resolves a bearer token into a verified identity.
// Exactly one implementation is active per deployment.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (types.Identity, error)
}

// RemoteVerifier delegates verification to an external session service.
// Any non-success result, network failures included, is unauthorized
// and is not retried.
type RemoteVerifier struct {
	baseURL string
	client  *http.Client
}

func NewRemoteVerifier(baseURL string) *RemoteVerifier {
	return &RemoteVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: verifyTimeout},
	}
}

type sessionResponse struct {
	Type    string `json:"type"`
	Session struct {
		SessionToken string         `json:"sessionToken"`
		User         types.Identity `json:"user"`
	} `json:"session"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/"+token, nil)
	if err != nil {
		return types.Identity{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return types.Identity{}, ErrUnauthorized
	}
	defer resp.Body.Close()

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return types.Identity{}, ErrUnauthorized
	}

	if sr.Type != "success" || sr.Session.SessionToken == "" {
		return types.Identity{}, ErrUnauthorized
	}

	return sr.Session.User, nil
}

// LocalVerifier verifies a self-contained HS256 token against a shared
// signing key, with no network dependency.
type LocalVerifier struct {
	signingKey []byte
}

func NewLocalVerifier(signingKey []byte) *LocalVerifier {
	return &LocalVerifier{signingKey: signingKey}
}

const (
	subjectClaim = "sub"
	nameClaim    = "name"
	emailClaim   = "email"
	expClaim     = "exp"
)

func (v *LocalVerifier) Verify(_ context.Context, token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, ErrUnauthorized
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return types.Identity{}, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, ErrUnauthorized
	}

	id, ok := claims[subjectClaim].(string)
	if !ok || id == "" {
		return types.Identity{}, ErrUnauthorized
	}

	name, _ := claims[nameClaim].(string)
	email, _ := claims[emailClaim].(string)

	return types.Identity{Id: id, Name: name, Email: email}, nil
}

// NewSessionToken mints a self-contained token for the local strategy.
func NewSessionToken(signingKey []byte, identity types.Identity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: identity.Id,
		nameClaim:    identity.Name,
		emailClaim:   identity.Email,
		expClaim:     time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
