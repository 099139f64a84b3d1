package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// allowedDPoPAlgs is the closed set of JWS algorithms a DPoP proof may
// use, per spec §4.10.
var allowedDPoPAlgs = map[string]bool{
	"ES256": true, "ES384": true, "ES512": true,
	"RS256": true, "RS384": true, "RS512": true,
}

// validateDPoPProof parses and fully validates a DPoP proof JWT against
// the HTTP method/URL it was presented with, returning the RFC 7638 JWK
// thumbprint of the key that signed it. The replay cache rejects a jti
// seen before, within a 2×max_age window.
func (m *Manager) validateDPoPProof(proof, method, rawURL string) (string, error) {
	if proof == "" {
		return "", errInvalidDPoPProof("missing DPoP proof")
	}

	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(proof, jwt.MapClaims{})
	if err != nil {
		return "", errInvalidDPoPProof("malformed proof: " + err.Error())
	}

	typ, _ := unverified.Header["typ"].(string)
	if typ != "dpop+jwt" {
		return "", errInvalidDPoPProof("typ must be dpop+jwt")
	}
	alg, _ := unverified.Header["alg"].(string)
	if !allowedDPoPAlgs[alg] {
		return "", errInvalidDPoPProof("unsupported alg: " + alg)
	}
	jwkRaw, ok := unverified.Header["jwk"].(map[string]any)
	if !ok {
		return "", errInvalidDPoPProof("missing jwk header")
	}

	pub, err := jwkToPublicKey(jwkRaw)
	if err != nil {
		return "", errInvalidDPoPProof("invalid jwk: " + err.Error())
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		return "", errInvalidDPoPProof("signature verification failed: " + err.Error())
	}

	jti, _ := claims["jti"].(string)
	htm, _ := claims["htm"].(string)
	htu, _ := claims["htu"].(string)
	iatF, _ := claims["iat"].(float64)
	if jti == "" || htm == "" || htu == "" || iatF == 0 {
		return "", errInvalidDPoPProof("missing required claim")
	}

	if !strings.EqualFold(htm, method) {
		return "", errInvalidDPoPProof("htm mismatch")
	}
	if !sameOriginAndPath(htu, rawURL) {
		return "", errInvalidDPoPProof("htu mismatch")
	}

	iat := time.Unix(int64(iatF), 0)
	now := time.Now()
	if iat.Before(now.Add(-DPoPMaxAge)) || iat.After(now.Add(60*time.Second)) {
		return "", errInvalidDPoPProof("iat outside acceptable window")
	}

	if m.replay.seen(jti) {
		return "", errInvalidDPoPProof("jti replayed")
	}
	m.replay.record(jti)

	return jwkThumbprint(jwkRaw)
}

// sameOriginAndPath compares two URLs' scheme+host+path, ignoring
// query string and fragment, per the htu check in spec §4.10.
func sameOriginAndPath(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host && ua.Path == ub.Path
}

// jwkToPublicKey builds a crypto public key from a decoded JWK header.
func jwkToPublicKey(jwk map[string]any) (any, error) {
	kty, _ := jwk["kty"].(string)
	switch kty {
	case "EC":
		crv, _ := jwk["crv"].(string)
		x, err := base64.RawURLEncoding.DecodeString(jwk["x"].(string))
		if err != nil {
			return nil, err
		}
		y, err := base64.RawURLEncoding.DecodeString(jwk["y"].(string))
		if err != nil {
			return nil, err
		}
		var curve elliptic.Curve
		switch crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", crv)
		}
		return &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}, nil
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(jwk["n"].(string))
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(jwk["e"].(string))
		if err != nil {
			return nil, err
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
	default:
		return nil, fmt.Errorf("unsupported kty %q", kty)
	}
}

// jwkThumbprint computes the RFC 7638 JWK thumbprint: SHA-256 over the
// canonical JSON of the key-type-specific required members, keys in
// lexicographic order.
func jwkThumbprint(jwk map[string]any) (string, error) {
	kty, _ := jwk["kty"].(string)
	var canonical string
	switch kty {
	case "EC":
		crv, _ := jwk["crv"].(string)
		x, _ := jwk["x"].(string)
		y, _ := jwk["y"].(string)
		b, err := json.Marshal(map[string]string{"crv": crv, "kty": kty, "x": x, "y": y})
		if err != nil {
			return "", err
		}
		canonical = string(b)
	case "RSA":
		e, _ := jwk["e"].(string)
		n, _ := jwk["n"].(string)
		b, err := json.Marshal(map[string]string{"e": e, "kty": kty, "n": n})
		if err != nil {
			return "", err
		}
		canonical = string(b)
	default:
		return "", fmt.Errorf("unsupported kty %q", kty)
	}
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ecdsaPublicJWK renders a P-256 public key as a JWK map for /oauth/jwks.
func ecdsaPublicJWK(pub *ecdsa.PublicKey, kid string) map[string]any {
	size := (pub.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	y := make([]byte, size)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
		"kid": kid,
	}
}

// replayCache is an in-memory set of recently-seen DPoP jti values,
// evicted after 2×dpop_max_age per spec §5.
type replayCache struct {
	mu   sync.Mutex
	seen_ map[string]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen_: make(map[string]time.Time)}
}

func (c *replayCache) seen(jti string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	_, ok := c.seen_[jti]
	return ok
}

func (c *replayCache) record(jti string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen_[jti] = time.Now()
}

func (c *replayCache) evictLocked() {
	cutoff := time.Now().Add(-dpopReplayTTL)
	for k, t := range c.seen_ {
		if t.Before(cutoff) {
			delete(c.seen_, k)
		}
	}
}
