package lighter

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderNonce     = "X-NONCE"
	HeaderSignature = "X-SIGNATURE"
)

// AuthType represents the authentication method of an account
type AuthType string

const (
	AuthTypeHMAC AuthType = "hmac"
	AuthTypeJWT  AuthType = "jwt"
)

// Sign returns the hex encoded HMAC-SHA256 of payload keyed by secret.
func Sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// SignaturePayload builds the string that is signed for a private request.
func SignaturePayload(nonce int64, method, path string) string {
	return strconv.FormatInt(nonce, 10) + method + path
}

// NonceSource hands out millisecond timestamps that never repeat within the
// process.
type NonceSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	nonce := n.now().UnixMilli()
	if nonce <= n.last {
		nonce = n.last + 1
	}
	n.last = nonce
	return nonce
}

// Authenticator adds credentials to a private request
type Authenticator interface {
	AddAuthHeaders(h http.Header, method, path string) error
}

// HMACAuthenticator signs nonce+method+path with the account secret key
type HMACAuthenticator struct {
	secretKey string
	nonces    *NonceSource
}

func NewHMACAuthenticator(secretKey string) *HMACAuthenticator {
	return &HMACAuthenticator{
		secretKey: secretKey,
		nonces:    NewNonceSource(),
	}
}

func (a *HMACAuthenticator) AddAuthHeaders(h http.Header, method, path string) error {
	nonce := a.nonces.Next()
	h.Set(HeaderNonce, strconv.FormatInt(nonce, 10))
	h.Set(HeaderSignature, Sign(a.secretKey, SignaturePayload(nonce, method, path)))
	return nil
}

// JWTAuthenticator issues a short lived ES256 token per request
type JWTAuthenticator struct {
	keyName    string
	privateKey *ecdsa.PrivateKey
	nonces     *NonceSource
	now        func() time.Time
}

func NewJWTAuthenticator(keyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		keyName:    keyName,
		privateKey: privateKey,
		nonces:     NewNonceSource(),
		now:        time.Now,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(h http.Header, method, path string) error {
	nonce := j.nonces.Next()
	token, err := j.generateJWT(method, path, nonce)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	h.Set(HeaderNonce, strconv.FormatInt(nonce, 10))
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT(method, path string, nonce int64) (string, error) {
	now := j.now()
	claims := jwt.MapClaims{
		"sub":   j.keyName,
		"nbf":   now.Unix(),
		"exp":   now.Add(2 * time.Minute).Unix(),
		"uri":   method + " " + path,
		"nonce": strconv.FormatInt(nonce, 10),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.keyName

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// NewAuthenticator picks the authenticator for the account's auth type.
func NewAuthenticator(creds Credentials) (Authenticator, error) {
	switch creds.AuthType {
	case "", AuthTypeHMAC:
		return NewHMACAuthenticator(creds.SecretKey), nil
	case AuthTypeJWT:
		return NewJWTAuthenticator(creds.KeyName, creds.PrivateKeyPEM)
	default:
		return nil, fmt.Errorf("unknown auth type %q", creds.AuthType)
	}
}
