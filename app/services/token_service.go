package services

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amirphl/orochi-dispatch/utils"
)

// Token service error constants
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenScope   = errors.New("token does not grant dispatch access")
)

// ScopeDispatch is the scope the calling application needs for the dispatch API
const ScopeDispatch = "campaign:dispatch"

// TokenService issues and validates the service tokens the storefront application
// presents when it calls the dispatch API on behalf of a tenant
type TokenService interface {
	IssueServiceToken(tenantID uint, subject string) (string, error)
	ValidateServiceToken(token string) (*ServiceClaims, error)
}

// ServiceClaims represents the claims in a service token
type ServiceClaims struct {
	TenantID uint   `json:"tenant_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenServiceConfig configures signing; RSA keys take precedence over the shared secret
type TokenServiceConfig struct {
	TTL        time.Duration
	Issuer     string
	Audience   string
	UseRSAKeys bool
	PrivateKey string
	PublicKey  string
	SecretKey  string
}

// TokenServiceImpl implements TokenService
type TokenServiceImpl struct {
	ttl           time.Duration
	signingMethod jwt.SigningMethod
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
	secretKey     []byte
	issuer        string
	audience      string
}

// NewTokenService creates a new token service
func NewTokenService(cfg TokenServiceConfig) (*TokenServiceImpl, error) {
	s := &TokenServiceImpl{
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
	if s.ttl <= 0 {
		s.ttl = 15 * time.Minute
	}

	if cfg.UseRSAKeys {
		var err error
		s.privateKey, s.publicKey, err = parseRSAKeys(cfg.PrivateKey, cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA keys: %w", err)
		}
		s.signingMethod = jwt.SigningMethodRS256
		return s, nil
	}

	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("secret key is required when not using RSA keys")
	}
	s.secretKey = []byte(cfg.SecretKey)
	s.signingMethod = jwt.SigningMethodHS256
	return s, nil
}

// parseRSAKeys parses RSA keys from PEM. The private key is optional for verify-only deployments.
func parseRSAKeys(privateKeyPEM, publicKeyPEM string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if publicKeyPEM == "" {
		return nil, nil, fmt.Errorf("public key is required")
	}

	var privateKey *rsa.PrivateKey
	if privateKeyPEM != "" {
		privateKeyBlock, _ := pem.Decode([]byte(privateKeyPEM))
		if privateKeyBlock == nil {
			return nil, nil, fmt.Errorf("failed to decode private key")
		}
		var err error
		privateKey, err = x509.ParsePKCS1PrivateKey(privateKeyBlock.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	publicKeyBlock, _ := pem.Decode([]byte(publicKeyPEM))
	if publicKeyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode public key")
	}
	publicKey, err := x509.ParsePKIXPublicKey(publicKeyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPublicKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("public key is not RSA")
	}

	return privateKey, rsaPublicKey, nil
}

// IssueServiceToken signs a dispatch-scoped token for tenantID
func (s *TokenServiceImpl) IssueServiceToken(tenantID uint, subject string) (string, error) {
	if s.signingMethod == jwt.SigningMethodRS256 && s.privateKey == nil {
		return "", fmt.Errorf("token service is verify-only")
	}
	tokenID, err := generateTokenID()
	if err != nil {
		return "", err
	}

	now := utils.UTCNow()
	claims := ServiceClaims{
		TenantID: tenantID,
		Scope:    ScopeDispatch,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	var key any = s.secretKey
	if s.privateKey != nil {
		key = s.privateKey
	}
	signed, err := jwt.NewWithClaims(s.signingMethod, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateServiceToken validates a token and returns its claims
func (s *TokenServiceImpl) ValidateServiceToken(token string) (*ServiceClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	claims := &ServiceClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		if s.publicKey != nil {
			return s.publicKey, nil
		}
		return s.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Scope != ScopeDispatch {
		return nil, ErrTokenScope
	}
	if claims.TenantID == 0 {
		return nil, fmt.Errorf("%w: missing tenant_id", ErrTokenInvalid)
	}
	return claims, nil
}

func generateTokenID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
