package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	configutil "github.com/NYCU-SDC/summer/pkg/config"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrWikiURLRequired     = errors.New("wiki_url is required")
	ErrPageIDRequired      = errors.New("confluence_page_id is required")
	ErrCredentialsRequired = errors.New("confluence login and password are required")
	ErrNoTimeWindows       = errors.New("at least one time window or upload folder is required")
)

// Config is the per-invocation setup: wiki target, credentials, run layout
// and the time windows to capture. Loaded once, immutable afterwards.
type Config struct {
	Debug            bool     `yaml:"debug"              envconfig:"DEBUG"`
	WikiURL          string   `yaml:"wiki_url"           envconfig:"WIKI_URL"`
	ConfigPath       string   `yaml:"config"             envconfig:"GRAFANA_CONFIG"`
	WikiLogin        string   `yaml:"-"                  envconfig:"CONFLUENCE_LOGIN"`
	WikiPassword     string   `yaml:"-"                  envconfig:"CONFLUENCE_PASSWORD"`
	PageID           int      `yaml:"page_id"            envconfig:"CONFLUENCE_PAGE_ID"`
	RootFolder       string   `yaml:"root_folder"        envconfig:"ROOT_FOLDER"`
	UploadFolders    []string `yaml:"upload_folders"`
	GraphWidth       int      `yaml:"graph_width"        envconfig:"GRAPH_WIDTH"`
	TestID           string   `yaml:"test_id"            envconfig:"TEST_ID"`
	Threads          int      `yaml:"threads"            envconfig:"THREADS"`
	TZ               string   `yaml:"tz"                 envconfig:"REPORT_TZ"`
	Windows          []string `yaml:"windows"`
	OnlyGraphs       bool     `yaml:"only_graphs"`
	InsecureWiki     bool     `yaml:"insecure_wiki"`
	OtelCollectorUrl string   `yaml:"otel_collector_url" envconfig:"OTEL_COLLECTOR_URL"`
}

type LogBuffer struct {
	buffer []logEntry
}

type logEntry struct {
	msg  string
	err  error
	meta map[string]string
}

func NewConfigLogger() *LogBuffer {
	return &LogBuffer{}
}

func (cl *LogBuffer) Warn(msg string, err error, meta map[string]string) {
	cl.buffer = append(cl.buffer, logEntry{msg: msg, err: err, meta: meta})
}

func (cl *LogBuffer) FlushToZap(logger *zap.Logger) {
	for _, e := range cl.buffer {
		var fields []zap.Field
		if e.err != nil {
			fields = append(fields, zap.Error(e.err))
		}
		for k, v := range e.meta {
			fields = append(fields, zap.String(k, v))
		}
		logger.Warn(e.msg, fields...)
	}
	cl.buffer = nil
}

func (c *Config) Validate() error {
	if c.WikiURL == "" {
		return ErrWikiURLRequired
	}
	if c.PageID <= 0 {
		return ErrPageIDRequired
	}
	if c.WikiLogin == "" || c.WikiPassword == "" {
		return ErrCredentialsRequired
	}
	if len(c.Windows) == 0 && len(c.UploadFolders) == 0 {
		return ErrNoTimeWindows
	}

	// The dashboards file is only consulted in acquisition mode.
	if len(c.UploadFolders) == 0 {
		if _, err := os.Stat(c.ConfigPath); err != nil {
			return fmt.Errorf("dashboards config %s: %w", c.ConfigPath, err)
		}
	}

	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.Threads)
	}
	if c.GraphWidth <= 0 {
		return fmt.Errorf("graph_width must be positive, got %d", c.GraphWidth)
	}

	return nil
}

func Load() (Config, *LogBuffer) {
	logger := NewConfigLogger()

	config := &Config{
		Debug:      false,
		ConfigPath: "config.yaml",
		RootFolder: "graphs",
		GraphWidth: 1500,
		Threads:    4,
		TZ:         "UTC",
	}

	var err error

	config, err = FromEnv(config, logger)
	if err != nil {
		logger.Warn("Failed to load config from env", err, map[string]string{"path": ".env"})
	}

	config, err = FromFlags(config)
	if err != nil {
		logger.Warn("Failed to load config from flags", err, map[string]string{"path": "flags"})
	}

	return *config, logger
}

func FromEnv(config *Config, logger *LogBuffer) (*Config, error) {
	if err := godotenv.Overload(); err != nil {
		if os.IsNotExist(err) {
			logger.Warn("No .env file found", err, map[string]string{"path": ".env"})
		} else {
			return nil, err
		}
	}

	pageID := 0
	if raw := os.Getenv("CONFLUENCE_PAGE_ID"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &pageID); err != nil {
			logger.Warn("Invalid CONFLUENCE_PAGE_ID", err, map[string]string{"value": raw})
			pageID = 0
		}
	}

	envConfig := &Config{
		Debug:            os.Getenv("DEBUG") == "true",
		WikiURL:          os.Getenv("WIKI_URL"),
		ConfigPath:       os.Getenv("GRAFANA_CONFIG"),
		WikiLogin:        os.Getenv("CONFLUENCE_LOGIN"),
		WikiPassword:     os.Getenv("CONFLUENCE_PASSWORD"),
		PageID:           pageID,
		RootFolder:       os.Getenv("ROOT_FOLDER"),
		TestID:           os.Getenv("TEST_ID"),
		TZ:               os.Getenv("REPORT_TZ"),
		OtelCollectorUrl: os.Getenv("OTEL_COLLECTOR_URL"),
	}

	return configutil.Merge[Config](config, envConfig)
}

func FromFlags(config *Config) (*Config, error) {
	flagConfig := &Config{}

	var windows, uploadFolders stringList

	flag.BoolVar(&flagConfig.Debug, "debug", false, "debug mode")
	flag.StringVar(&flagConfig.WikiURL, "wiki_url", "", "Confluence base URL")
	flag.StringVar(&flagConfig.ConfigPath, "config", "", "path to the dashboards YAML config")
	flag.StringVar(&flagConfig.WikiLogin, "confluence_login", "", "Confluence login")
	flag.StringVar(&flagConfig.WikiPassword, "confluence_password", "", "Confluence password")
	flag.IntVar(&flagConfig.PageID, "confluence_page_id", 0, "Confluence page id to publish to")
	flag.StringVar(&flagConfig.RootFolder, "root_folder", "", "root folder for downloaded charts")
	flag.Var(&uploadFolders, "upload_folder", "previously downloaded run folder to merge and publish (repeatable)")
	flag.IntVar(&flagConfig.GraphWidth, "graph_width", 0, "chart width on the Confluence page")
	flag.StringVar(&flagConfig.TestID, "test_id", "", "test run identifier")
	flag.IntVar(&flagConfig.Threads, "threads", 0, "worker count for capture and upload")
	flag.StringVar(&flagConfig.TZ, "tz", "", "timezone for time windows")
	flag.Var(&windows, "window", "time window \"[tag__]&from=<epoch>&to=<epoch>\" (repeatable)")
	flag.BoolVar(&flagConfig.OnlyGraphs, "only_graphs", false, "download charts without publishing")
	flag.BoolVar(&flagConfig.InsecureWiki, "insecure_wiki", false, "skip TLS verification against Confluence")
	flag.StringVar(&flagConfig.OtelCollectorUrl, "otel_collector_url", "", "OpenTelemetry collector URL")

	flag.Parse()

	flagConfig.Windows = windows
	flagConfig.UploadFolders = uploadFolders

	return configutil.Merge[Config](config, flagConfig)
}

// stringList collects repeatable flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Dashboard is one dashboard's capture settings, one top-level key of the
// dashboards YAML file. Immutable for the duration of a run.
type Dashboard struct {
	Name            string            `yaml:"-"`
	DashTitle       string            `yaml:"dash_title" validate:"required"`
	Host            string            `yaml:"host"       validate:"required,url"`
	Width           int               `yaml:"width"`
	Height          int               `yaml:"height"`
	Render          bool              `yaml:"render"`
	Snapshot        bool              `yaml:"snapshot"`
	SnapshotTimeout int               `yaml:"snapshot_timeout"`
	PreloadSeconds  float64           `yaml:"preload_time"`
	TimeoutSeconds  int               `yaml:"timeout"`
	TZ              string            `yaml:"tz"`
	Threads         int               `yaml:"threads"`
	Vars            map[string]string `yaml:"vars"`
	WhiteTheme      bool              `yaml:"white_theme"`
	OrgID           int               `yaml:"org_id"`
	Login           string            `yaml:"login"`
	Password        string            `yaml:"password"`
	Token           string            `yaml:"token"`
	Auth            bool              `yaml:"auth"`
	Domain          bool              `yaml:"domain"`
	VerifySSL       bool              `yaml:"verify_ssl"`
}

// DefaultDashboard carries the defaults a YAML entry starts from; keys the
// entry leaves out keep these values.
func DefaultDashboard(name string) Dashboard {
	return Dashboard{
		Name:            name,
		Width:           1920,
		Height:          1080,
		Render:          true,
		SnapshotTimeout: 30,
		PreloadSeconds:  2.5,
		TimeoutSeconds:  30,
		Threads:         4,
		OrgID:           1,
		Auth:            true,
		VerifySSL:       true,
	}
}

func (d *Dashboard) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d *Dashboard) Preload() time.Duration {
	return time.Duration(d.PreloadSeconds * float64(time.Second))
}

// LoadDashboards reads the dashboards YAML file, preserving document order.
func LoadDashboards(path string) ([]Dashboard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%s: empty dashboards config", path)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: expected a mapping of dashboard name to settings", path)
	}

	validate := validator.New()

	var dashboards []Dashboard
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		d := DefaultDashboard(name)
		if err := root.Content[i+1].Decode(&d); err != nil {
			return nil, fmt.Errorf("dashboard %q: %w", name, err)
		}
		if err := validate.Struct(&d); err != nil {
			return nil, fmt.Errorf("dashboard %q: %w", name, err)
		}
		dashboards = append(dashboards, d)
	}

	if len(dashboards) == 0 {
		return nil, fmt.Errorf("%s: no dashboards defined", path)
	}

	return dashboards, nil
}
