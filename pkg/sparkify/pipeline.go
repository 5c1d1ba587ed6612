// Package sparkify defines the final_project graph: stage the event log and
// song catalogue, load the songplays fact table, fan out to the four
// dimension loads and finish with the data quality checks.
package sparkify

import (
	"context"

	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/secrets"
	"github.com/faqeel/sparkify-pipeline/pkg/tasks"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/pkg/errors"
)

const (
	GraphName = "final_project"
	BucketVar = "s3_bucket"

	StageEventsTask   = "Stage_events"
	StageSongsTask    = "Stage_songs"
	LoadSongplaysTask = "Load_songplays_fact_table"
	LoadUserDimTask   = "Load_user_dim_table"
	LoadSongDimTask   = "Load_song_dim_table"
	LoadArtistDimTask = "Load_artist_dim_table"
	LoadTimeDimTask   = "Load_time_dim_table"
	QualityChecksTask = "Run_data_quality_checks"

	DefaultCredentials  = "aws_credentials"
	DefaultEventsPrefix = "log-data"
	DefaultSongsPrefix  = "song-data"
	DefaultEventsJSON   = "s3://{s3_bucket}/log_json_path.json"
)

// Config parameterises the pipeline. Bucket, prefixes and the JSON path are
// templates rendered per run.
type Config struct {
	Bucket         string            `yaml:"bucket"`
	CredentialsRef string            `yaml:"credentials"`
	Region         string            `yaml:"region"`
	EventsPrefix   string            `yaml:"events_prefix"`
	SongsPrefix    string            `yaml:"songs_prefix"`
	EventsJSON     string            `yaml:"events_json"`
	AppendOnlyDims bool              `yaml:"append_only_dimensions"`
	FailFast       bool              `yaml:"fail_fast"`
	Assertions     []tasks.Assertion `yaml:"assertions"`
	Settings       graph.Settings    `yaml:"settings"`
}

func DefaultConfig() Config {
	return Config{
		Bucket:         "{" + BucketVar + "}",
		CredentialsRef: DefaultCredentials,
		EventsPrefix:   DefaultEventsPrefix,
		SongsPrefix:    DefaultSongsPrefix,
		EventsJSON:     DefaultEventsJSON,
		Settings:       graph.DefaultSettings(),
	}
}

// QualityTables are checked for at least one row at the end of every run.
var QualityTables = []string{SongplaysTable, UsersTable, SongsTable, ArtistsTable, TimeTable}

// Dependencies are the collaborators the pipeline tasks call. Objects may be
// nil, in which case staging does not check the source prefix first.
type Dependencies struct {
	Warehouse warehouse.Warehouse
	Secrets   secrets.Resolver
	Objects   tasks.ObjectLister
}

// New builds the final_project graph.
func New(cfg Config, deps Dependencies) (*graph.Graph, error) {
	if deps.Warehouse == nil {
		return nil, errors.New("sparkify: warehouse is required")
	}
	if deps.Secrets == nil {
		return nil, errors.New("sparkify: secrets resolver is required")
	}

	var stageOpts []tasks.StageOption
	if deps.Objects != nil {
		stageOpts = append(stageOpts, tasks.WithObjectLister(deps.Objects))
	}
	stageEvents, err := tasks.NewStageTask(StageEventsTask, tasks.StageConfig{
		Table:          StagingEventsTable,
		Bucket:         cfg.Bucket,
		KeyTemplate:    cfg.EventsPrefix,
		CredentialsRef: cfg.CredentialsRef,
		JSONFormat:     cfg.EventsJSON,
		Region:         cfg.Region,
	}, deps.Warehouse, deps.Secrets, stageOpts...)
	if err != nil {
		return nil, err
	}
	stageSongs, err := tasks.NewStageTask(StageSongsTask, tasks.StageConfig{
		Table:          StagingSongsTable,
		Bucket:         cfg.Bucket,
		KeyTemplate:    cfg.SongsPrefix,
		CredentialsRef: cfg.CredentialsRef,
		Region:         cfg.Region,
	}, deps.Warehouse, deps.Secrets, stageOpts...)
	if err != nil {
		return nil, err
	}

	fact, err := tasks.NewLoadFactTask(LoadSongplaysTask, SongplaysTable, SongplayTableInsert, deps.Warehouse)
	if err != nil {
		return nil, err
	}

	var dimOpts []tasks.DimensionOption
	if cfg.AppendOnlyDims {
		dimOpts = append(dimOpts, tasks.AppendOnly())
	}
	dims := []struct {
		name, table, sql string
	}{
		{LoadUserDimTask, UsersTable, UserTableInsert},
		{LoadSongDimTask, SongsTable, SongTableInsert},
		{LoadArtistDimTask, ArtistsTable, ArtistTableInsert},
		{LoadTimeDimTask, TimeTable, TimeTableInsert},
	}

	var qualityOpts []tasks.QualityOption
	if len(cfg.Assertions) > 0 {
		qualityOpts = append(qualityOpts, tasks.WithAssertions(cfg.Assertions...))
	}
	if cfg.FailFast {
		qualityOpts = append(qualityOpts, tasks.FailFast())
	}
	quality, err := tasks.NewQualityCheckTask(QualityChecksTask, QualityTables, deps.Warehouse, qualityOpts...)
	if err != nil {
		return nil, err
	}

	b := graph.NewBuilder(GraphName, cfg.Settings)
	if err := b.Connect(b.Start(), stageEvents, stageSongs); err != nil {
		return nil, err
	}
	if err := b.Connect(stageEvents, fact); err != nil {
		return nil, err
	}
	if err := b.Connect(stageSongs, fact); err != nil {
		return nil, err
	}
	for _, d := range dims {
		dim, err := tasks.NewLoadDimensionTask(d.name, d.table, d.sql, deps.Warehouse, dimOpts...)
		if err != nil {
			return nil, err
		}
		if err := b.Connect(fact, dim); err != nil {
			return nil, err
		}
		if err := b.Connect(dim, quality); err != nil {
			return nil, err
		}
	}
	if err := b.Connect(quality, b.End()); err != nil {
		return nil, err
	}
	return b.Build()
}

// CreateTables creates every table in Schema that does not exist yet.
func CreateTables(ctx context.Context, wh warehouse.Warehouse) error {
	for _, def := range Schema {
		stmt, err := warehouse.CreateTable(def.Name, def.Columns...)
		if err != nil {
			return err
		}
		if err := wh.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to create table %s", def.Name)
		}
	}
	return nil
}
