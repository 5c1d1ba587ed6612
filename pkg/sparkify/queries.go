package sparkify

// Tables of the star schema and its staging area.
const (
	StagingEventsTable = "staging_events"
	StagingSongsTable  = "staging_songs"
	SongplaysTable     = "songplays"
	UsersTable         = "users"
	SongsTable         = "songs"
	ArtistsTable       = "artists"
	TimeTable          = "time"
)

// SELECT bodies of the fact and dimension loads. Each is appended to an
// INSERT INTO <table>.
const (
	SongplayTableInsert = `
SELECT
	md5(events.sessionid || events.start_time) songplay_id,
	events.start_time,
	events.userid,
	events.level,
	songs.song_id,
	songs.artist_id,
	events.sessionid,
	events.location,
	events.useragent
FROM (
	SELECT TIMESTAMP 'epoch' + ts/1000 * interval '1 second' AS start_time, *
	FROM staging_events
	WHERE page = 'NextSong'
) events
LEFT JOIN staging_songs songs
	ON events.song = songs.title
	AND events.artist = songs.artist_name
	AND events.length = songs.duration`

	UserTableInsert = `
SELECT DISTINCT userid, firstname, lastname, gender, level
FROM staging_events
WHERE page = 'NextSong'`

	SongTableInsert = `
SELECT DISTINCT song_id, title, artist_id, year, duration
FROM staging_songs`

	ArtistTableInsert = `
SELECT DISTINCT artist_id, artist_name, artist_location, artist_latitude, artist_longitude
FROM staging_songs`

	TimeTableInsert = `
SELECT start_time,
	extract(hour from start_time),
	extract(day from start_time),
	extract(week from start_time),
	extract(month from start_time),
	extract(year from start_time),
	extract(dayofweek from start_time)
FROM songplays`
)

// TableDefinition is the column list of one warehouse table.
type TableDefinition struct {
	Name    string
	Columns []string
}

// Schema lists every table the pipeline reads or writes, staging first.
var Schema = []TableDefinition{
	{Name: StagingEventsTable, Columns: []string{
		"artist VARCHAR(256)",
		"auth VARCHAR(256)",
		"firstname VARCHAR(256)",
		"gender VARCHAR(256)",
		"iteminsession INT4",
		"lastname VARCHAR(256)",
		"length NUMERIC(18,0)",
		"level VARCHAR(256)",
		"location VARCHAR(256)",
		"method VARCHAR(256)",
		"page VARCHAR(256)",
		"registration NUMERIC(18,0)",
		"sessionid INT4",
		"song VARCHAR(256)",
		"status INT4",
		"ts INT8",
		"useragent VARCHAR(256)",
		"userid INT4",
	}},
	{Name: StagingSongsTable, Columns: []string{
		"num_songs INT4",
		"artist_id VARCHAR(256)",
		"artist_name VARCHAR(512)",
		"artist_latitude NUMERIC(18,0)",
		"artist_longitude NUMERIC(18,0)",
		"artist_location VARCHAR(512)",
		"song_id VARCHAR(256)",
		"title VARCHAR(512)",
		"duration NUMERIC(18,0)",
		"year INT4",
	}},
	{Name: SongplaysTable, Columns: []string{
		"playid VARCHAR(32) NOT NULL",
		"start_time TIMESTAMP NOT NULL",
		"userid INT4 NOT NULL",
		"level VARCHAR(256)",
		"songid VARCHAR(256)",
		"artistid VARCHAR(256)",
		"sessionid INT4",
		"location VARCHAR(256)",
		"user_agent VARCHAR(256)",
		"CONSTRAINT songplays_pkey PRIMARY KEY (playid)",
	}},
	{Name: UsersTable, Columns: []string{
		"userid INT4 NOT NULL",
		"first_name VARCHAR(256)",
		"last_name VARCHAR(256)",
		"gender VARCHAR(256)",
		"level VARCHAR(256)",
		"CONSTRAINT users_pkey PRIMARY KEY (userid)",
	}},
	{Name: SongsTable, Columns: []string{
		"songid VARCHAR(256) NOT NULL",
		"title VARCHAR(512)",
		"artistid VARCHAR(256)",
		"year INT4",
		"duration NUMERIC(18,0)",
		"CONSTRAINT songs_pkey PRIMARY KEY (songid)",
	}},
	{Name: ArtistsTable, Columns: []string{
		"artistid VARCHAR(256) NOT NULL",
		"name VARCHAR(512)",
		"location VARCHAR(512)",
		"lattitude NUMERIC(18,0)",
		"longitude NUMERIC(18,0)",
	}},
	{Name: TimeTable, Columns: []string{
		"start_time TIMESTAMP NOT NULL",
		"hour INT4",
		"day INT4",
		"week INT4",
		"month VARCHAR(256)",
		"year INT4",
		"weekday VARCHAR(256)",
		"CONSTRAINT time_pkey PRIMARY KEY (start_time)",
	}},
}
