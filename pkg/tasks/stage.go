package tasks

import (
	"context"
	"strings"

	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/secrets"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/pkg/errors"
)

// ObjectLister checks a storage prefix before a COPY is issued.
type ObjectLister interface {
	HasObjects(ctx context.Context, bucket, prefix string) (bool, error)
}

// StageConfig holds the parameters of a staging copy. Bucket, KeyTemplate
// and JSONFormat are rendered against the run context.
type StageConfig struct {
	Table          string `yaml:"table"`
	Bucket         string `yaml:"bucket"`
	KeyTemplate    string `yaml:"key"`
	CredentialsRef string `yaml:"credentials"`
	JSONFormat     string `yaml:"json"`
	Region         string `yaml:"region"`
}

// StageTask replaces the contents of a staging table with every object under
// a rendered storage prefix.
type StageTask struct {
	name    string
	cfg     StageConfig
	wh      warehouse.Warehouse
	secrets secrets.Resolver
	objects ObjectLister
}

type StageOption func(*StageTask)

// WithObjectLister makes the task fail before touching the table when the
// source prefix is empty.
func WithObjectLister(l ObjectLister) StageOption {
	return func(s *StageTask) {
		s.objects = l
	}
}

func NewStageTask(name string, cfg StageConfig, wh warehouse.Warehouse, resolver secrets.Resolver, opts ...StageOption) (*StageTask, error) {
	if cfg.JSONFormat == "" {
		cfg.JSONFormat = warehouse.DefaultJSONFormat
	}
	s := &StageTask{name: name, cfg: cfg, wh: wh, secrets: resolver}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StageTask) Name() string { return s.name }

func (s *StageTask) Config() StageConfig { return s.cfg }

func (s *StageTask) DestructiveTables() []string { return []string{s.cfg.Table} }

func (s *StageTask) validate() error {
	if strings.TrimSpace(s.name) == "" {
		return configError("<unnamed>", "name", errors.New("task name is required"))
	}
	if _, err := warehouse.QuoteIdent(s.cfg.Table); err != nil {
		return configError(s.name, "table", err)
	}
	if strings.TrimSpace(s.cfg.Bucket) == "" {
		return configError(s.name, "bucket", errors.New("bucket is required"))
	}
	if strings.TrimSpace(s.cfg.KeyTemplate) == "" {
		return configError(s.name, "key", errors.New("key template is required"))
	}
	if strings.TrimSpace(s.cfg.CredentialsRef) == "" {
		return configError(s.name, "credentials", errors.New("credentials reference is required"))
	}
	if s.wh == nil {
		return configError(s.name, "warehouse", errors.New("warehouse is required"))
	}
	if s.secrets == nil {
		return configError(s.name, "credentials", errors.New("secret resolver is required"))
	}
	return nil
}

// SourcePath renders the storage URI the task copies from.
func (s *StageTask) SourcePath(rc graph.RunContext) (bucket, key, path string, err error) {
	bucket, err = graph.Render(s.cfg.Bucket, rc)
	if err != nil {
		return "", "", "", configError(s.name, "bucket", err)
	}
	key, err = graph.Render(s.cfg.KeyTemplate, rc)
	if err != nil {
		return "", "", "", configError(s.name, "key", err)
	}
	bucket = strings.Trim(strings.TrimPrefix(bucket, "s3://"), "/")
	key = strings.TrimPrefix(key, "/")
	if bucket == "" {
		return "", "", "", configError(s.name, "bucket", errors.New("bucket rendered empty"))
	}
	return bucket, key, "s3://" + bucket + "/" + key, nil
}

func (s *StageTask) Execute(ctx context.Context, rc graph.RunContext) error {
	if err := s.validate(); err != nil {
		return err
	}
	log := rc.Log()
	bucket, key, path, err := s.SourcePath(rc)
	if err != nil {
		return err
	}
	format, err := graph.Render(s.cfg.JSONFormat, rc)
	if err != nil {
		return configError(s.name, "json", err)
	}

	creds, err := s.secrets.Resolve(ctx, s.cfg.CredentialsRef)
	if err != nil {
		return configError(s.name, "credentials", errors.Wrapf(err, "resolve %q", s.cfg.CredentialsRef))
	}

	if s.objects != nil {
		ok, err := s.objects.HasObjects(ctx, bucket, key)
		if err != nil {
			return &ExecutionError{Task: s.name, Table: s.cfg.Table, Err: errors.Wrapf(err, "list %s", path)}
		}
		if !ok {
			return &ExecutionError{Task: s.name, Table: s.cfg.Table, Err: errors.Errorf("no objects under %s", path)}
		}
	}

	stmt, err := warehouse.DeleteAll(s.cfg.Table)
	if err != nil {
		return configError(s.name, "table", err)
	}
	cmd := warehouse.CopyCommand{
		Table:       s.cfg.Table,
		Source:      path,
		Credentials: creds,
		JSONFormat:  format,
		Region:      s.cfg.Region,
	}
	// A failed COPY rolls the DELETE back, leaving the previous contents.
	err = warehouse.InTx(ctx, s.wh, func(ctx context.Context, tx warehouse.Warehouse) error {
		log.Infof("Clearing data from %s table", s.cfg.Table)
		if err := tx.Exec(ctx, stmt); err != nil {
			return &ExecutionError{Task: s.name, Table: s.cfg.Table, Statement: stmt, Err: err}
		}
		log.Infof("Copying data from %s to %s table", path, s.cfg.Table)
		if err := tx.Copy(ctx, cmd); err != nil {
			return &ExecutionError{Task: s.name, Table: s.cfg.Table, Statement: warehouse.RedactedCopySQL(cmd), Err: err}
		}
		return nil
	})
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return err
		}
		return &ExecutionError{Task: s.name, Table: s.cfg.Table, Err: err}
	}
	return nil
}
