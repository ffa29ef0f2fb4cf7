package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	EnvFile         = ".env"
	EnvConfigPrefix = "SONGSYNC"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ProgressBackendFile  = "file"
	ProgressBackendRedis = "redis"
)

type Config struct {
	Version     kong.VersionFlag `help:"Show version and exit" short:"v" env:"-"`
	EnvName     string           `kong:"help='Environment name.',default='dev'"`
	ServiceName string           `kong:"help='Service name.',default='songsync'"`
	LogConfig   string           `kong:"help='Logging config to use.',enum='dev,prod',default='dev'"`
	LogLevel    string           `kong:"help='Log level.',enum='debug,info,warn,error',default='warn'"`

	NewRelicAppName    string `kong:"help='New Relic application name.',default='songsync (DEV)'"`
	NewRelicLicenseKey string `kong:"help='New Relic license key.'"`

	// Status API is only started when an address is given
	APIListenAddress string `kong:"help='Status API listen address (health, version, stats, metrics). Empty disables it.'"`
	HealthFreqSec    int    `kong:"help='Health check frequency in seconds.',default=10"`

	DBDriver   string `kong:"help='Canonical store driver.',enum='sqlite,postgres',default='sqlite'"`
	DBPath     string `kong:"help='SQLite database file.',default='music_weather.db'"`
	DBHost     string `kong:"help='Database host.',default=localhost"`
	DBName     string `kong:"help='Database name.',default=songsync"`
	DBUser     string `kong:"help='Database user.',default=songsync"`
	DBPassword string `kong:"help='Database password.',default=songsync"`
	DBPort     int    `kong:"help='Database port.',default=5432"`
	DBSSLMode  string `kong:"help='Database SSL mode.',default=disable"`

	ProgressBackend string `kong:"help='Where progress records are kept.',enum='file,redis',default='file'"`
	ProgressDir     string `kong:"help='Directory for file progress records.',default='.'"`

	RedisURL         string        `kong:"help='Redis URL (enables job lock when set).'"`
	RedisPassword    string        `kong:"help='Redis Password.'"`
	RedisDatabase    int           `kong:"help='Redis database.',default=0"`
	RedisPoolSize    int           `kong:"help='Redis pool size.',default=10"`
	RedisDialTimeout time.Duration `kong:"help='Redis dial timeout.',default=5s"`
	RedisPrefix      string        `kong:"help='Redis key prefix.',default='songsync'"`
	JobLockTTL       time.Duration `kong:"help='TTL of the single-writer job lock (refreshed per batch).',default=10m"`

	PublisherRabbitURL          []string `kong:"help='RabbitMQ URL(s) for song.enriched events. Empty disables publishing.'"`
	PublisherRabbitExchangeName string   `kong:"help='Exchange to publish events to.',default=events"`
	PublisherRabbitExchangeType string   `kong:"help='Exchange type.',default=topic"`
	PublisherRabbitUseTLS       bool     `kong:"help='Use TLS for publisher.',default=false"`
	PublisherNumWorkers         int      `kong:"help='Number of publisher workers.',default=2"`

	SpotifyClientID     string        `kong:"help='Spotify client id.'"`
	SpotifyClientSecret string        `kong:"help='Spotify client secret.'"`
	SongBPMAPIKey       string        `kong:"name='songbpm-api-key',help='GetSongBPM API key.'"`
	HTTPTimeout         time.Duration `kong:"help='Timeout for provider HTTP calls.',default=20s"`
	ProviderCacheTTL    time.Duration `kong:"help='How long provider responses are cached in-process.',default=1h"`

	Migrate  MigrateCmd  `kong:"cmd,help='Create tables and add missing enrichment columns.'"`
	Schema   SchemaCmd   `kong:"cmd,help='Print canonical store columns.'"`
	CSV      CSVCmd      `kong:"cmd,name='csv',help='Reconcile a CSV file against the song store.'"`
	Tags     TagsCmd     `kong:"cmd,help='Reconcile tags of local audio files against the song store.'"`
	Info     InfoCmd     `kong:"cmd,help='Fill album, release year and genres from Spotify.'"`
	Albums   AlbumsCmd   `kong:"cmd,help='Fill albums from Spotify (strict identity check).'"`
	Features FeaturesCmd `kong:"cmd,help='Fill audio features from the master feature table.'"`
	Deezer   DeezerCmd   `kong:"cmd,help='Fetch Deezer metadata and previews.'"`
	BPM      BPMCmd      `kong:"cmd,name='bpm',help='Fill tempo from GetSongBPM.'"`

	KongContext *kong.Context `kong:"-"`
}

// JobFlags are shared by every enrichment command
type JobFlags struct {
	BatchSize int           `kong:"help='Records per bulk write (0 = job default).',default=0"`
	Limit     int           `kong:"help='Process at most N records (0 = no limit).',default=0"`
	Resume    bool          `kong:"help='Skip ids recorded by a previous run.',default=false"`
	Force     bool          `kong:"help='Ignore recorded progress (merge stays fill-only).',default=false"`
	Delay     time.Duration `kong:"help='Delay between records for rate limiting.',default=0s"`
	DryRun    bool          `kong:"help='Compute merges but do not write.',default=false"`
}

type MigrateCmd struct{}

type SchemaCmd struct{}

type CSVCmd struct {
	JobFlags

	File           string `kong:"required,type='existingfile',help='CSV file to reconcile.'"`
	NonInteractive bool   `kong:"help='Map columns with keyword heuristics instead of asking.',default=false"`
	MappingFile    string `kong:"help='YAML mapping to load (or to save after an interactive session).'"`
}

type TagsCmd struct {
	JobFlags

	Dir string `kong:"required,type='existingdir',help='Directory of audio files.'"`
}

type InfoCmd struct {
	JobFlags
}

type AlbumsCmd struct {
	JobFlags
}

type FeaturesCmd struct {
	JobFlags

	MasterPath  string `kong:"help='SQLite file with the master feature table.',default='songs_master.db'"`
	MasterTable string `kong:"help='Master feature table name.',default='songs_master_table'"`
}

type DeezerCmd struct {
	JobFlags

	OutputDir string `kong:"help='Directory for raw Deezer responses.',default='deezer_data'"`
	AudioDir  string `kong:"help='Directory for downloaded previews.',default='deezer_previews'"`
}

type BPMCmd struct {
	JobFlags
}

func New(version string) *Config {
	if err := godotenv.Load(EnvFile); err != nil {
		zap.L().Warn("unable to load dotenv file",
			zap.String("err", err.Error()))
	}

	cfg := &Config{}
	cfg.KongContext = kong.Parse(
		cfg,
		kong.Name("songsync"),
		kong.Description("Reconcile and enrich a canonical song store from external sources"),
		kong.DefaultEnvars(EnvConfigPrefix),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": version,
		},
	)

	return cfg
}

// Command returns the selected subcommand name (ie. "csv", "deezer").
func (c *Config) Command() string {
	if c == nil || c.KongContext == nil {
		return ""
	}

	return strings.Fields(c.KongContext.Command() + " ")[0]
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("Config cannot be nil")
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("db path cannot be empty when using sqlite")
		}
	case DriverPostgres:
		if c.DBHost == "" || c.DBUser == "" || c.DBName == "" {
			return errors.New("db host, user and name are required when using postgres")
		}
	default:
		return fmt.Errorf("unknown db driver '%s'", c.DBDriver)
	}

	if c.ProgressBackend == ProgressBackendRedis && c.RedisURL == "" {
		return errors.New("redis url is required when progress backend is redis")
	}

	if c.HTTPTimeout <= 0 {
		return errors.New("http timeout must be positive")
	}

	return nil
}

// Job returns the shared job flags of the selected subcommand; nil for
// commands that are not enrichment jobs.
func (c *Config) Job() *JobFlags {
	switch c.Command() {
	case "csv":
		return &c.CSV.JobFlags
	case "tags":
		return &c.Tags.JobFlags
	case "info":
		return &c.Info.JobFlags
	case "albums":
		return &c.Albums.JobFlags
	case "features":
		return &c.Features.JobFlags
	case "deezer":
		return &c.Deezer.JobFlags
	case "bpm":
		return &c.BPM.JobFlags
	}

	return nil
}

func (c *Config) GetMap() map[string]string {
	fields := make(map[string]string)

	val := reflect.ValueOf(c)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	t := val.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		// Never leak credentials into logs
		if strings.Contains(field.Name, "Password") ||
			strings.Contains(field.Name, "Secret") ||
			strings.Contains(field.Name, "Key") ||
			field.Name == "KongContext" {
			continue
		}

		value := val.Field(i)
		if value.Kind() == reflect.Struct {
			continue
		}

		fields[field.Name] = fmt.Sprintf("%v", value)
	}

	return fields
}
