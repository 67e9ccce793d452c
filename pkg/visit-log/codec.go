package visitlog

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Codec turns a visit log into a cookie-safe token and back.
type Codec interface {
	Encode(log []string) (string, error)
	Decode(token string) ([]string, error)
}

// PlainCodec stores the log as unpadded base64url JSON. Clients can read and
// forge it; use SignedCodec when that matters.
type PlainCodec struct{}

func (PlainCodec) Encode(log []string) (string, error) {
	b, err := json.Marshal(nonNil(log))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (PlainCodec) Decode(token string) ([]string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode visit log")
	}
	var log []string
	if err := json.Unmarshal(b, &log); err != nil {
		return nil, errors.Wrap(err, "failed to parse visit log")
	}
	return log, nil
}

// SignedCodec stores the log in the routes claim of an HS256 JWT.
type SignedCodec struct {
	Key []byte
	// Token lifetime, DefaultMaxAge if zero.
	TTL time.Duration
	// Clock for issuing and validating; time.Now if nil.
	Now func() time.Time
}

type visitClaims struct {
	Routes []string `json:"routes"`
	jwt.RegisteredClaims
}

func (c SignedCodec) Encode(log []string) (string, error) {
	if len(c.Key) == 0 {
		return "", errors.New("visit log signing key is empty")
	}
	now := c.now()
	claims := visitClaims{
		Routes: nonNil(log),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl())),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Key)
}

func (c SignedCodec) Decode(token string) ([]string, error) {
	if len(c.Key) == 0 {
		return nil, errors.New("visit log signing key is empty")
	}
	var claims visitClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return c.Key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid visit log token")
	}
	return claims.Routes, nil
}

func (c SignedCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c SignedCodec) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultMaxAge
}

func nonNil(log []string) []string {
	if log == nil {
		return []string{}
	}
	return log
}
