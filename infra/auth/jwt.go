// Package auth turns bearer tokens into authz callers.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"perpex/domain/authz"
	"perpex/domain/errs"
)

// Claims carries grants as "capability@market"; market "*" means all.
type Claims struct {
	Grants []string `json:"grants"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (i *Issuer) Sign(c authz.Caller) (string, error) {
	now := i.now()
	claims := Claims{
		Grants: make([]string, 0, len(c.Grants)),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	for _, g := range c.Grants {
		market := g.Market
		if market == "" {
			market = authz.AnyMarket
		}
		claims.Grants = append(claims.Grants, string(g.Capability)+"@"+market)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) Parse(token string) (authz.Caller, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		return authz.Caller{}, errs.New(errs.KindUnauthorized, "invalid token: %v", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return authz.Caller{}, errs.New(errs.KindUnauthorized, "invalid token")
	}

	c := authz.Caller{Subject: claims.Subject}
	for _, raw := range claims.Grants {
		capability, market, found := strings.Cut(raw, "@")
		if !found {
			market = authz.AnyMarket
		}
		c.Grants = append(c.Grants, authz.Grant{Capability: authz.Capability(capability), Market: market})
	}
	return c, nil
}

// BearerToken strips the "Bearer " scheme from an Authorization value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
