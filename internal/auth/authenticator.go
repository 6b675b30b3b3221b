package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/entity"
	actorrepo "github.com/Additional-Code/dispatch/internal/repository/actor"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

// ConnectionRole is the role a real-time connection claims when it authenticates.
type ConnectionRole string

const (
	ConnectionCustomer ConnectionRole = "customer"
	ConnectionDriver   ConnectionRole = "driver"
	ConnectionKitchen  ConnectionRole = "kitchen"
	ConnectionPrinter  ConnectionRole = "printer"
)

const defaultAgentID = "print-agent"

// Credentials is the payload presented when a connection is established.
type Credentials struct {
	Role    ConnectionRole `json:"role"`
	Token   string         `json:"token"`
	AgentID string         `json:"agent_id,omitempty"`
}

// Identity is the resolved actor behind a connection or request.
type Identity struct {
	ActorID string
	Role    entity.Role
	Name    string
}

// Claims are the bearer token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ActorResolver looks up the actor a token refers to.
type ActorResolver interface {
	Get(ctx context.Context, id string) (*entity.User, error)
}

// Module provides the authenticator, resolving actors from the actor repository.
var Module = fx.Provide(
	func(r *actorrepo.Repository) ActorResolver { return r },
	NewAuthenticator,
)

// Authenticator classifies connections and requests into actors and roles.
type Authenticator struct {
	secret       []byte
	issuer       string
	ttl          time.Duration
	printerToken string
	actors       ActorResolver
	clock        clock.Clock
	logger       *zap.Logger
}

// NewAuthenticator builds an Authenticator; a signing secret is mandatory.
func NewAuthenticator(cfg config.Config, actors ActorResolver, clk clock.Clock, logger *zap.Logger) (*Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Authenticator{
		secret:       []byte(cfg.Auth.JWTSecret),
		issuer:       cfg.Auth.JWTIssuer,
		ttl:          cfg.Auth.TokenTTL,
		printerToken: cfg.Auth.PrinterToken,
		actors:       actors,
		clock:        clk,
		logger:       logger.Named("auth"),
	}, nil
}

// Authenticate resolves the credentials of a new real-time connection.
// Printer agents present the shared secret; everyone else presents a bearer
// token whose actor must hold a role compatible with the claimed one.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	switch creds.Role {
	case ConnectionPrinter:
		return a.authenticatePrinter(creds)
	case ConnectionCustomer, ConnectionDriver, ConnectionKitchen:
	default:
		return Identity{}, errorbank.AuthFailed("unsupported connection role", errorbank.WithDetail("role", creds.Role))
	}

	id, user, err := a.resolve(ctx, creds.Token)
	if err != nil {
		return Identity{}, err
	}
	if !roleAllows(creds.Role, user.Role) {
		a.logger.Warn("connection role mismatch",
			zap.String("actor_id", user.ID),
			zap.String("claimed", string(creds.Role)),
			zap.String("actual", string(user.Role)),
		)
		return Identity{}, errorbank.Unauthorized("actor may not connect with this role",
			errorbank.WithDetail("role", creds.Role))
	}
	return id, nil
}

// AuthenticateBearer resolves a bearer token presented on an HTTP request.
func (a *Authenticator) AuthenticateBearer(ctx context.Context, token string) (Identity, error) {
	id, _, err := a.resolve(ctx, token)
	return id, err
}

// Verify checks signature, algorithm and expiry without touching the actor store.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errorbank.AuthFailed("missing token")
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, errorbank.AuthFailed("invalid token", errorbank.WithCause(err))
	}

	if !claims.VerifyExpiresAt(a.clock.Now(), true) {
		return nil, errorbank.AuthFailed("token expired")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, errorbank.AuthFailed("unexpected token issuer")
	}
	if claims.Subject == "" {
		return nil, errorbank.AuthFailed("token has no subject")
	}
	return claims, nil
}

// Issue signs a bearer token for user.
func (a *Authenticator) Issue(user *entity.User) (string, time.Time, error) {
	now := a.clock.Now()
	expires := now.Add(a.ttl)
	claims := Claims{
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// IssueFor resolves an actor by id and signs a token for it.
func (a *Authenticator) IssueFor(ctx context.Context, actorID string) (string, time.Time, error) {
	user, err := a.actors.Get(ctx, actorID)
	if err != nil {
		return "", time.Time{}, err
	}
	return a.Issue(user)
}

func (a *Authenticator) resolve(ctx context.Context, token string) (Identity, *entity.User, error) {
	claims, err := a.Verify(token)
	if err != nil {
		return Identity{}, nil, err
	}

	user, err := a.actors.Get(ctx, claims.Subject)
	if errors.Is(err, actorrepo.ErrNotFound) {
		return Identity{}, nil, errorbank.AuthFailed("unknown actor")
	}
	if err != nil {
		return Identity{}, nil, errorbank.Internal("failed to resolve actor", errorbank.WithCause(err))
	}
	if !user.IsActive {
		return Identity{}, nil, errorbank.AuthFailed("actor is inactive")
	}
	return Identity{ActorID: user.ID, Role: user.Role, Name: user.DisplayName()}, user, nil
}

func (a *Authenticator) authenticatePrinter(creds Credentials) (Identity, error) {
	if a.printerToken == "" {
		return Identity{}, errorbank.AuthFailed("printer connections are disabled")
	}
	if subtle.ConstantTimeCompare([]byte(creds.Token), []byte(a.printerToken)) != 1 {
		return Identity{}, errorbank.AuthFailed("invalid printer token")
	}
	agentID := strings.TrimSpace(creds.AgentID)
	if agentID == "" {
		agentID = defaultAgentID
	}
	return Identity{ActorID: agentID, Role: entity.RolePrinter, Name: agentID}, nil
}

func roleAllows(claimed ConnectionRole, actual entity.Role) bool {
	switch claimed {
	case ConnectionCustomer:
		return actual == entity.RoleCustomer
	case ConnectionDriver:
		return actual == entity.RoleDriver
	case ConnectionKitchen:
		return actual.Kitchen()
	}
	return false
}
