package mixd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/mixctl/mixd/pkg/mixd/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	configDir string

	// the user-provided config (sinks, rules, timings) and the internal
	// config holding persisted routing overrides written by the daemon itself
	userConfig     *viper.Viper
	overrideConfig *viper.Viper

	current Config
}

// SinkConfig describes one logical sink, fixed for the process lifetime
type SinkConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

// RuleConfig maps a substring of a process identity to a target sink.
// Rules are consulted in the order they appear, first match wins
type RuleConfig struct {
	Pattern string `mapstructure:"pattern"`
	Sink    string `mapstructure:"sink"`
}

type Config struct {
	Sinks []SinkConfig `mapstructure:"sinks"`

	Routing struct {
		DefaultSink string       `mapstructure:"default_sink"`
		Rules       []RuleConfig `mapstructure:"rules"`
	} `mapstructure:"routing"`

	GracePeriod     time.Duration `mapstructure:"grace_period"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`

	Overrides map[string]string `mapstructure:"-"`
}

const (
	userConfigName     = "config"
	overrideConfigName = "overrides"

	configType = "yaml"

	userConfigFilename     = userConfigName + "." + configType
	overrideConfigFilename = overrideConfigName + "." + configType

	configKeySinks           = "sinks"
	configKeyDefaultSink     = "routing.default_sink"
	configKeyRules           = "routing.rules"
	configKeyGracePeriod     = "grace_period"
	configKeyPublishInterval = "publish_interval"
	configKeyCommandTimeout  = "command_timeout"
	configKeyOverrides       = "overrides"
)

func defaultSinks() []map[string]string {
	return []map[string]string{
		{"name": "Game", "description": "Game audio"},
		{"name": "Chat", "description": "Voice chat"},
		{"name": "Media", "description": "Music and video"},
	}
}

func defaultRules() []map[string]string {
	return []map[string]string{
		{"pattern": "discord", "sink": "Chat"},
		{"pattern": "teamspeak", "sink": "Chat"},
		{"pattern": "mumble", "sink": "Chat"},
		{"pattern": "zoom", "sink": "Chat"},
		{"pattern": "spotify", "sink": "Media"},
		{"pattern": "mpv", "sink": "Media"},
		{"pattern": "vlc", "sink": "Media"},
		{"pattern": "firefox", "sink": "Media"},
		{"pattern": "chromium", "sink": "Media"},
		{"pattern": "steam", "sink": "Game"},
	}
}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier, configDir string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if err := util.EnsureDirExists(configDir); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		configDir:          configDir,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(configDir)

	userConfig.SetDefault(configKeySinks, defaultSinks())
	userConfig.SetDefault(configKeyDefaultSink, "Game")
	userConfig.SetDefault(configKeyRules, defaultRules())
	userConfig.SetDefault(configKeyGracePeriod, 5*time.Minute)
	userConfig.SetDefault(configKeyPublishInterval, 100*time.Millisecond)
	userConfig.SetDefault(configKeyCommandTimeout, 2*time.Second)

	overrideConfig := viper.New()
	overrideConfig.SetConfigName(overrideConfigName)
	overrideConfig.SetConfigType(configType)
	overrideConfig.AddConfigPath(configDir)

	cc.userConfig = userConfig
	cc.overrideConfig = overrideConfig

	logger.Debugw("Created config instance", "dir", configDir)

	return cc, nil
}

func (cc *ConfigManager) Current() *Config {
	return &cc.current
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", filepath.Join(cc.configDir, userConfigFilename))

	// the user config is optional - built-in defaults cover a stock setup
	if err := cc.userConfig.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			cc.logger.Debugw("No user config file, using defaults")
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilename))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check mixd's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	}

	// the override config doesn't have to exist either, it appears after
	// the first user-initiated routing change
	if err := cc.overrideConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read override config", "error", err, "reminder", "this is fine")
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	if err := cc.validate(); err != nil {
		cc.notifier.Notify("Invalid configuration!", err.Error())
		return fmt.Errorf("validate config: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"sinks", len(cc.current.Sinks),
		"defaultSink", cc.current.Routing.DefaultSink,
		"rules", len(cc.current.Routing.Rules),
		"overrides", len(cc.current.Overrides),
		"gracePeriod", cc.current.GracePeriod)

	return nil
}

func (cc *ConfigManager) populateFromVipers() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
		dConf.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	})
	if err != nil {
		return err
	}

	cc.current.Overrides = cc.overrideConfig.GetStringMapString(configKeyOverrides)
	if cc.current.Overrides == nil {
		cc.current.Overrides = map[string]string{}
	}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) validate() error {
	if len(cc.current.Sinks) == 0 {
		return fmt.Errorf("at least one sink must be configured")
	}

	sinkNames := funk.Map(cc.current.Sinks, func(s SinkConfig) string { return s.Name }).([]string)
	if len(funk.UniqString(sinkNames)) != len(sinkNames) {
		return fmt.Errorf("sink names must be unique")
	}

	if !funk.ContainsString(sinkNames, cc.current.Routing.DefaultSink) {
		return fmt.Errorf("default sink %q is not a configured sink", cc.current.Routing.DefaultSink)
	}

	for _, rule := range cc.current.Routing.Rules {
		if !funk.ContainsString(sinkNames, rule.Sink) {
			return fmt.Errorf("rule %q targets unknown sink %q", rule.Pattern, rule.Sink)
		}
	}

	if cc.current.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}

	return nil
}

// SaveOverrides persists the routing override table, rewriting the override
// file in full (last-writer-wins). Called on the user-action path only,
// never from event ingestion
func (cc *ConfigManager) SaveOverrides(overrides map[string]string) error {
	cc.overrideConfig.Set(configKeyOverrides, overrides)

	path := filepath.Join(cc.configDir, overrideConfigFilename)
	if err := cc.overrideConfig.WriteConfigAs(path); err != nil {
		cc.logger.Warnw("Failed to write override config", "error", err, "path", path)
		return fmt.Errorf("write override config: %w", err)
	}

	cc.current.Overrides = overrides
	cc.logger.Debugw("Persisted routing overrides", "count", len(overrides), "path", path)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilename)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// many editors write a file twice, skip the duplicate event
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
