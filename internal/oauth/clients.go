package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/arcforge/authcore/internal/credstore"
	"github.com/arcforge/authcore/internal/store"
)

// ClientRegistry wraps store.OAuthClients with the admin operations
// implied by OAuthClient being a first-class entity: register, list,
// rotate-secret, delete. Secrets are Argon2id-hashed via the same
// credstore.Hasher used for user passwords, per the requirement that
// confidential-client secrets never land in plaintext at rest.
type ClientRegistry struct {
	store  store.OAuthClients
	hasher *credstore.Hasher
}

// NewClientRegistry builds a ClientRegistry.
func NewClientRegistry(s store.OAuthClients, hasher *credstore.Hasher) *ClientRegistry {
	return &ClientRegistry{store: s, hasher: hasher}
}

// RegisteredClient is returned from Register/RotateSecret: the plaintext
// secret is surfaced exactly once and never again.
type RegisteredClient struct {
	Client store.OAuthClient
	Secret string // empty for public clients
}

// Register creates a new OAuth client. Confidential clients receive a
// generated secret, hashed before persistence.
func (r *ClientRegistry) Register(ctx context.Context, name string, clientType store.OAuthClientType, redirectURIs, allowedScopes, grantTypes []string, requireConsent, firstParty bool) (RegisteredClient, error) {
	clientID, err := randomID()
	if err != nil {
		return RegisteredClient{}, err
	}

	client := store.OAuthClient{
		ClientID: clientID, Name: name, Type: clientType,
		RedirectURIs: redirectURIs, AllowedScopes: allowedScopes, GrantTypes: grantTypes,
		RequirePKCE: clientType == store.ClientPublic, RequireConsent: requireConsent, FirstParty: firstParty,
	}

	var secret string
	if clientType == store.ClientConfidential {
		secret, err = randomID()
		if err != nil {
			return RegisteredClient{}, err
		}
		hash, err := r.hasher.Hash(secret)
		if err != nil {
			return RegisteredClient{}, fmt.Errorf("oauth: hashing client secret: %w", err)
		}
		client.SecretHash = hash
	}

	if err := r.store.CreateOAuthClient(ctx, client); err != nil {
		return RegisteredClient{}, err
	}
	return RegisteredClient{Client: client, Secret: secret}, nil
}

// RotateSecret issues a fresh secret for a confidential client,
// invalidating the old one.
func (r *ClientRegistry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if client.Type != store.ClientConfidential {
		return "", fmt.Errorf("oauth: cannot rotate secret for a public client")
	}

	secret, err := randomID()
	if err != nil {
		return "", err
	}
	hash, err := r.hasher.Hash(secret)
	if err != nil {
		return "", fmt.Errorf("oauth: hashing rotated client secret: %w", err)
	}
	if err := r.store.UpdateOAuthClientSecret(ctx, client.ClientID, hash); err != nil {
		return "", err
	}
	return secret, nil
}

// List returns every registered client.
func (r *ClientRegistry) List(ctx context.Context) ([]store.OAuthClient, error) {
	return r.store.ListOAuthClients(ctx)
}

// Delete removes a client registration.
func (r *ClientRegistry) Delete(ctx context.Context, clientID string) error {
	return r.store.DeleteOAuthClient(ctx, clientID)
}

func randomID() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauth: generating random id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
