package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTicketTTL    = 24 * time.Hour
	defaultIssuer       = "sketchpad"
	defaultAudience     = "sketchpad-reconnect"
	generatedSecretSize = 32
)

var (
	// ErrMissingSigningSecret indicates an issuer configured without a key.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")

	// ErrInvalidTicket indicates a ticket that failed verification.
	ErrInvalidTicket = errors.New("auth: invalid ticket")

	errMissingSubject = errors.New("auth: subject claim must be provided")
)

// TicketIssuerConfig configures reconnect ticket signing.
type TicketIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TicketTTL     time.Duration
	Clock         func() time.Time
}

// TicketIssuer signs and verifies reconnect tickets. A ticket carries a
// connection identity so a participant that reconnects keeps its user id,
// color and undo history. Tickets identify, they do not authenticate.
type TicketIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTicketIssuer constructs a TicketIssuer with defaults for unset fields.
func NewTicketIssuer(cfg TicketIssuerConfig) (*TicketIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TicketTTL
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := cfg.Audience
	if audience == "" {
		audience = defaultAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TicketIssuer{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		clock:    clock,
	}, nil
}

// NewSigningSecret returns a random key for processes that were not configured with one.
func NewSigningSecret() ([]byte, error) {
	secret := make([]byte, generatedSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("auth: generate signing secret: %w", err)
	}
	return secret, nil
}

// IssueTicket produces a signed ticket for the user id.
func (i *TicketIssuer) IssueTicket(userID canvas.UserID) (string, error) {
	if userID == "" {
		return "", errMissingSubject
	}

	now := i.clock().UTC()
	registered := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	return token.SignedString(i.secret)
}

// ValidateTicket verifies the ticket and returns the user id it carries.
func (i *TicketIssuer) ValidateTicket(ticket string) (canvas.UserID, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		ticket,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	userID, err := canvas.NewUserID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return userID, nil
}
