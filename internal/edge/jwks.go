package edge

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwksCacheTTL bounds how long a fetched key set is trusted before a refetch,
// modeled on the license validator's cache/cacheExp/cacheTTL shape elsewhere
// in the corpus.
const jwksCacheTTL = 10 * time.Minute

// jwk is the subset of RFC 7517 fields needed for an EC (ES256) key.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwksClient fetches and caches a JWKS document for one URL. No JWKS client
// library is present anywhere in the example corpus (searched for jwx,
// lestrrat, MicahParks, keyfunc — none vendored), so parsing is done directly
// against encoding/json + crypto/ecdsa + math/big.
type jwksClient struct {
	url  string
	http *http.Client

	mu      sync.Mutex
	keys    map[string]*ecdsa.PublicKey
	fetched time.Time
}

func newJWKSClient(url string) *jwksClient {
	return &jwksClient{url: url, http: &http.Client{Timeout: 10 * time.Second}}
}

// publicKey returns the EC public key for kid, refreshing the cached set if
// it's stale or the kid is unknown.
func (c *jwksClient) publicKey(kid string) (*ecdsa.PublicKey, error) {
	c.mu.Lock()
	stale := time.Since(c.fetched) > jwksCacheTTL
	key, ok := c.keys[kid]
	c.mu.Unlock()

	if ok && !stale {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		if ok {
			return key, nil // serve stale key rather than fail a request on a transient fetch error
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("jwks: no key found for kid %q", kid)
	}
	return key, nil
}

func (c *jwksClient) refresh() error {
	resp, err := c.http.Get(c.url)
	if err != nil {
		return fmt.Errorf("jwks: fetch %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch %s: HTTP %d", c.url, resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("jwks: decode %s: %w", c.url, err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "EC" || k.Crv != "P-256" {
			continue
		}
		pub, err := parseECPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetched = time.Now()
	c.mu.Unlock()
	return nil
}

func parseECPublicKey(k jwk) (*ecdsa.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("jwks: decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("jwks: decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
