package secrets

import (
	"context"

	"github.com/faqeel/sparkify-pipeline/pkg/secrets"
	"github.com/pkg/errors"
	"github.com/viant/scy"
	"github.com/viant/scy/cred"
)

// Location points at an encrypted basic credential: Username holds the
// access key ID and Password the secret access key.
type Location struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// ScyResolver resolves credential references from scy encrypted resources.
type ScyResolver struct {
	service   *scy.Service
	locations map[string]Location
}

func NewScyResolver(locations map[string]Location) *ScyResolver {
	copied := make(map[string]Location, len(locations))
	for ref, loc := range locations {
		copied[ref] = loc
	}
	return &ScyResolver{service: scy.New(), locations: copied}
}

func (r *ScyResolver) Resolve(ctx context.Context, ref string) (secrets.Credentials, error) {
	loc, ok := r.locations[ref]
	if !ok {
		return secrets.Credentials{}, errors.Wrapf(secrets.ErrNotFound, "reference %q", ref)
	}
	target, err := cred.TargetType("basic")
	if err != nil {
		return secrets.Credentials{}, err
	}
	secret, err := r.service.Load(ctx, scy.NewResource(target, loc.URL, loc.Key))
	if err != nil {
		return secrets.Credentials{}, errors.Wrapf(err, "failed to load secret %q from %s", ref, loc.URL)
	}
	creds, err := fromTarget(secret.Target)
	if err != nil {
		return secrets.Credentials{}, errors.Wrapf(err, "secret %q", ref)
	}
	return creds, nil
}

func fromTarget(target interface{}) (secrets.Credentials, error) {
	var basic *cred.Basic
	switch actual := target.(type) {
	case *cred.Basic:
		basic = actual
	case cred.Basic:
		basic = &actual
	default:
		return secrets.Credentials{}, errors.Errorf("unsupported credential type %T", target)
	}
	creds := secrets.Credentials{AccessKeyID: basic.Username, SecretAccessKey: basic.Password}
	if !creds.Valid() {
		return secrets.Credentials{}, errors.New("credential is missing its access key pair")
	}
	return creds, nil
}
