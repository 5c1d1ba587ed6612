// Package secrets resolves named credential references to key pairs. The
// pipeline only consumes the returned pair and never stores it.
package secrets

import (
	"context"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("credential not found")

// Credentials is an object-storage access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Valid reports whether both halves of the pair are present.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// String never prints the secret half.
func (c Credentials) String() string {
	return "Credentials{AccessKeyID: " + c.AccessKeyID + ", SecretAccessKey: ***}"
}

// Resolver looks up credentials by reference name.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}

// Static resolves from a fixed map.
type Static map[string]Credentials

func (s Static) Resolve(ctx context.Context, ref string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	c, ok := s[ref]
	if !ok {
		return Credentials{}, errors.Wrapf(ErrNotFound, "reference %q", ref)
	}
	if !c.Valid() {
		return Credentials{}, errors.Errorf("credential %q is missing its access key pair", ref)
	}
	return c, nil
}

// Chain tries each resolver in order and returns the first hit. Errors other
// than ErrNotFound stop the search.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, ref string) (Credentials, error) {
	for _, r := range c {
		creds, err := r.Resolve(ctx, ref)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Credentials{}, err
		}
	}
	return Credentials{}, errors.Wrapf(ErrNotFound, "reference %q", ref)
}
