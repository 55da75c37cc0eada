/**
 * @description
 * This file contains custom middleware for the HTTP router: JWT bearer
 * authentication against a JWKS endpoint for the public API, and a shared
 * secret check for the internal endpoints used by the deposit gateway and
 * operators.
 *
 * @dependencies
 * - context, crypto/rsa, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SubjectContextKey is a custom type for the context key to avoid collisions.
type SubjectContextKey string

const authSubjectKey SubjectContextKey = "authSubject"

// AuthMiddleware creates a middleware that validates RS256 JWT bearer tokens
// against the identity provider's JWKS endpoint.
func AuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}

				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}

				publicKey, err := getPublicKeyFromJWKS(jwksURL, kid)
				if err != nil {
					return nil, fmt.Errorf("failed to get public key: %w", err)
				}

				return publicKey, nil
			})

			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			// Optional audience / issuer enforcement via env
			if expectedAud := os.Getenv("AUTH_AUDIENCE"); expectedAud != "" {
				if aud, ok := claims["aud"].(string); !ok || aud != expectedAud {
					http.Error(w, "Invalid audience", http.StatusUnauthorized)
					return
				}
			}
			if expectedIss := os.Getenv("AUTH_ISSUER"); expectedIss != "" {
				if iss, ok := claims["iss"].(string); !ok || iss != expectedIss {
					http.Error(w, "Invalid issuer", http.StatusUnauthorized)
					return
				}
			}

			subject, ok := claims["sub"].(string)
			if !ok {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalKeyMiddleware guards internal endpoints with a shared secret
// carried in the X-Internal-Api-Key header.
func InternalKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				http.Error(w, "Internal API disabled", http.StatusForbidden)
				return
			}
			provided := r.Header.Get("X-Internal-Api-Key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "Invalid internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getPublicKeyFromJWKS fetches the public key from the JWKS endpoint.
func getPublicKeyFromJWKS(jwksURL, kid string) (interface{}, error) {
	// TODO: cache the JWKS document; one fetch per request is wasteful
	// under load.
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	for _, key := range jwks.Keys {
		if key.Kid == kid {
			return parseRSAPublicKey(key.N, key.E)
		}
	}

	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (interface{}, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	if len(eb) == 3 {
		// Common case for 65537
		exp = uint64(eb[0])<<16 | uint64(eb[1])<<8 | uint64(eb[2])
	} else {
		for _, b := range eb {
			exp = (exp << 8) | uint64(b)
		}
	}

	nInt := new(big.Int).SetBytes(nb)
	pub := &rsa.PublicKey{
		N: nInt,
		E: int(exp),
	}
	return pub, nil
}

// GetAuthSubject retrieves the authenticated subject from the request
// context.
func GetAuthSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(authSubjectKey).(string)
	return subject, ok
}
