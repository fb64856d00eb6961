package cfg

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefStageTimeout         = 15 * time.Minute
	DefReevaluationInterval = 30 * time.Minute
)

type Config struct {
	HTTPListenAddr            string       `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string       `toml:"https_server_listen_addr"`
	HTTPSCertFile             string       `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string       `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string       `toml:"github_webhook_endpoint"`
	HTTPMetricsEndpoint       string       `toml:"metrics_endpoint"`
	HTTPStatusEndpoint        string       `toml:"status_endpoint"`
	GithubWebHookSecret       string       `toml:"github_webhook_secret"`
	GithubAPIToken            string       `toml:"github_api_token"`
	LogFormat                 string       `toml:"log_format"`
	LogTimeKey                string       `toml:"log_time_key"`
	LogLevel                  string       `toml:"log_level"`
	Orchestrator              Orchestrator `toml:"orchestrator"`
}

type GithubRepository struct {
	Owner          string `toml:"owner"`
	RepositoryName string `toml:"repository"`
}

// Orchestrator configures the pull request pipeline.
type Orchestrator struct {
	Repositories []GithubRepository `toml:"repository"`

	// FilterQuery is an optional jq expression that is evaluated against
	// the JSON payload of every received event. When it evaluates to
	// false the event is ignored.
	FilterQuery string `toml:"filter_query"`

	// GitWorkDir is the directory below which repository clones for the
	// fix and resolve stages are kept.
	GitWorkDir string `toml:"git_workdir"`

	CommitAuthor string `toml:"commit_author"`
	CommitEmail  string `toml:"commit_email"`

	// FormatterCommands are run in order against the working tree by the
	// fix stage. Each command is expected to rewrite files in place and
	// exit with code 0.
	FormatterCommands [][]string `toml:"formatter_commands"`

	// ValidateCommand is run in the working tree after a conflict was
	// resolved, before the result is pushed. When empty no validation
	// runs.
	ValidateCommand []string `toml:"validate_command"`

	// ResolvePolicy decides which side wins on a textual conflict,
	// "incoming" (the pull request branch) or "base".
	ResolvePolicy string `toml:"resolve_policy"`

	// BlockingLabels are additional label names whose presence prevents
	// automatic merging. The builtin blocking labels always apply.
	BlockingLabels []string `toml:"blocking_labels"`

	StageTimeout         string `toml:"stage_timeout"`
	ReevaluationInterval string `toml:"reevaluation_interval"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) validate() error {
	if len(c.Orchestrator.Repositories) == 0 {
		return errors.New("orchestrator: missing array field: 'repository'")
	}

	for i, repo := range c.Orchestrator.Repositories {
		if repo.Owner == "" {
			return fmt.Errorf("orchestrator: repository %d: missing field: 'owner'", i)
		}

		if repo.RepositoryName == "" {
			return fmt.Errorf("orchestrator: repository %d: missing field: 'repository'", i)
		}
	}

	switch c.Orchestrator.ResolvePolicy {
	case "", "incoming", "base":
	default:
		return fmt.Errorf("orchestrator: unsupported resolve_policy: %q, expecting 'incoming' or 'base'", c.Orchestrator.ResolvePolicy)
	}

	if _, err := c.StageTimeout(); err != nil {
		return err
	}

	if _, err := c.ReevaluationInterval(); err != nil {
		return err
	}

	return nil
}

func (c *Config) StageTimeout() (time.Duration, error) {
	return parseDuration("stage_timeout", c.Orchestrator.StageTimeout, DefStageTimeout)
}

func (c *Config) ReevaluationInterval() (time.Duration, error) {
	return parseDuration("reevaluation_interval", c.Orchestrator.ReevaluationInterval, DefReevaluationInterval)
}

func parseDuration(field, val string, def time.Duration) (time.Duration, error) {
	if val == "" {
		return def, nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: parsing %s failed: %w", field, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("orchestrator: %s must be >0", field)
	}

	return d, nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
