// Package config loads the bridge bot configuration. The configuration
// is parsed once at startup into an immutable Config value that every
// component receives by pointer; nothing mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// List pairs a mailing list address with the labels that route to it. A
// list with no labels receives every bridged message.
type List struct {
	Address string   `yaml:"address"`
	Labels  []string `yaml:"labels"`
}

// Webrev configures artifact generation and the shared storage repository.
type Webrev struct {
	Repository   string `yaml:"repository"`
	Ref          string `yaml:"ref"`
	BasePath     string `yaml:"basePath"`
	BaseURI      string `yaml:"baseUri"`
	GenerateHTML bool   `yaml:"generateHtml"`
	GenerateJSON bool   `yaml:"generateJson"`
}

// Gitea holds the connection details of the review host.
type Gitea struct {
	URL      string `yaml:"url"`
	APIToken string `yaml:"apiToken"`
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
}

type serializedConfig struct {
	SenderName    string            `yaml:"senderName"`
	SenderAddress string            `yaml:"senderAddress"`
	SMTPServer    string            `yaml:"smtpServer"`
	SourceRepo    string            `yaml:"sourceRepo"`
	ArchiveRepo   string            `yaml:"archiveRepo"`
	ArchiveRef    string            `yaml:"archiveRef"`
	Lists         []List            `yaml:"lists"`
	IgnoredUsers  []string          `yaml:"ignoredUsers"`
	IgnoredBodies []string          `yaml:"ignoredComments"`
	ReadyLabels   []string          `yaml:"readyLabels"`
	ReadyComments map[string]string `yaml:"readyComments"`
	Cooldown      string            `yaml:"cooldown"`
	Webrev        Webrev            `yaml:"webrev"`
	RepoPrefix    bool              `yaml:"subjectPrefixRepo"`
	BranchPrefix  bool              `yaml:"subjectPrefixBranch"`
	ExtraHeaders  map[string]string `yaml:"headers"`
	IssueTracker  string            `yaml:"issueTracker"`
	StateDir      string            `yaml:"stateDir"`
	Gitea         Gitea             `yaml:"gitea"`
}

// Config is the parsed, validated bot configuration.
type Config struct {
	SenderName    string
	SenderAddress string
	SMTPServer    string

	SourceRepo  string
	ArchiveRepo string
	ArchiveRef  string

	Lists []List

	IgnoredUsers   []string
	IgnoredBodies  []*regexp.Regexp
	ReadyLabels    []string
	ReadyComments  map[string]*regexp.Regexp
	Cooldown       time.Duration
	Webrev         Webrev
	RepoPrefix     bool
	BranchPrefix   bool
	ExtraHeaders   map[string]string
	IssueTracker   string
	StateDir       string
	Gitea          Gitea
}

// Load attempts to read the bot configuration out of the given file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config file %s", path)
	}

	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	serialized := serializedConfig{}
	err := yaml.UnmarshalStrict(data, &serialized)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %q", err)
	}

	config := &Config{
		SenderName:    serialized.SenderName,
		SenderAddress: serialized.SenderAddress,
		SMTPServer:    serialized.SMTPServer,
		SourceRepo:    serialized.SourceRepo,
		ArchiveRepo:   serialized.ArchiveRepo,
		ArchiveRef:    serialized.ArchiveRef,
		Lists:         serialized.Lists,
		IgnoredUsers:  serialized.IgnoredUsers,
		ReadyLabels:   serialized.ReadyLabels,
		ReadyComments: make(map[string]*regexp.Regexp),
		Webrev:        serialized.Webrev,
		RepoPrefix:    serialized.RepoPrefix,
		BranchPrefix:  serialized.BranchPrefix,
		ExtraHeaders:  serialized.ExtraHeaders,
		IssueTracker:  serialized.IssueTracker,
		StateDir:      serialized.StateDir,
		Gitea:         serialized.Gitea,
	}

	for _, pattern := range serialized.IgnoredBodies {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid ignored comment pattern %q: %q", pattern, err)
		}
		config.IgnoredBodies = append(config.IgnoredBodies, re)
	}

	for user, pattern := range serialized.ReadyComments {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid ready comment pattern %q: %q", pattern, err)
		}
		config.ReadyComments[user] = re
	}

	if serialized.Cooldown != "" {
		config.Cooldown, err = time.ParseDuration(serialized.Cooldown)
		if err != nil {
			return nil, fmt.Errorf("invalid cooldown %q: %q", serialized.Cooldown, err)
		}
	}

	if config.ArchiveRef == "" {
		config.ArchiveRef = "master"
	}
	if config.Webrev.Ref == "" {
		config.Webrev.Ref = "webrev"
	}

	return config, config.validate()
}

func (c *Config) validate() error {
	if c.SenderAddress == "" {
		return fmt.Errorf("no sender address configured")
	}
	if c.ArchiveRepo == "" {
		return fmt.Errorf("no archive repository configured")
	}
	if len(c.Lists) == 0 {
		return fmt.Errorf("no mailing lists configured")
	}
	for _, list := range c.Lists {
		if list.Address == "" {
			return fmt.Errorf("mailing list with empty address")
		}
	}
	if !c.Webrev.GenerateHTML && !c.Webrev.GenerateJSON {
		return fmt.Errorf("neither html nor json webrev generation enabled")
	}
	if c.Webrev.Repository == "" {
		return fmt.Errorf("no webrev storage repository configured")
	}
	return nil
}
