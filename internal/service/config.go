// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	ModeLive  = "live"
	ModePaper = "paper"

	PolicyHold      = "hold"
	PolicyLiquidate = "liquidate"

	PeriodInSample    = "in_sample"
	PeriodOutOfSample = "out_of_sample"
	PeriodCustom      = "custom"

	envPrefix = "TRADER"
)

// Config 顶层配置: 系统选项 + 策略激活列表
type Config struct {
	System     SystemConfig     `mapstructure:"system"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
}

// SystemConfig 全局选项
type SystemConfig struct {
	Mode               string        `mapstructure:"mode"` // live | paper
	LogLevel           string        `mapstructure:"log_level"`
	InitialCash        float64       `mapstructure:"initial_cash"`
	CommissionPct      float64       `mapstructure:"commission_pct"`
	SlippagePct        float64       `mapstructure:"slippage_pct"`
	DeactivationPolicy string        `mapstructure:"deactivation_policy"` // hold | liquidate
	SnapshotInterval   time.Duration `mapstructure:"snapshot_interval"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`

	Execution ExecutionConfig `mapstructure:"execution"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Data      DataConfig      `mapstructure:"data"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Report    ReportConfig    `mapstructure:"report"`
}

// ExecutionConfig 控制重试、超时和提交速率
type ExecutionConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	RateLimit      int           `mapstructure:"rate_limit"` // 每个窗口允许的提交次数，0 表示不限
	RateWindow     time.Duration `mapstructure:"rate_window"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// FeedConfig 实时行情 WebSocket
type FeedConfig struct {
	WSURL        string `mapstructure:"ws_url"`
	BaseInterval string `mapstructure:"base_interval"`
}

// VenueConfig 定义了交易所的连接信息
type VenueConfig struct {
	Name         string  `mapstructure:"name"`
	RESTURL      string  `mapstructure:"rest_url"`
	APIKey       string  `mapstructure:"api_key"`
	SecretKey    string  `mapstructure:"secret_key"`
	MaxSpreadPct float64 `mapstructure:"max_spread_pct"`
}

// DatabaseConfig K 线历史库 (PostgreSQL)
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DataConfig 历史数据来源
type DataConfig struct {
	Source       string `mapstructure:"source"` // csv | postgres
	CSVDir       string `mapstructure:"csv_dir"`
	BaseInterval string `mapstructure:"base_interval"`
}

// TimeRange 回测区间 [Start, End)
type TimeRange struct {
	Start time.Time `mapstructure:"start"`
	End   time.Time `mapstructure:"end"`
}

// BacktestConfig 回测区间定义
type BacktestConfig struct {
	Period      string    `mapstructure:"period"` // in_sample | out_of_sample | custom
	InSample    TimeRange `mapstructure:"in_sample"`
	OutOfSample TimeRange `mapstructure:"out_of_sample"`
	Custom      TimeRange `mapstructure:"custom"`
}

// ReportConfig 报告输出目录
type ReportConfig struct {
	Dir string `mapstructure:"dir"`
}

// StrategyConfig 单个策略激活: 实现、交易对、周期、资金比例和策略参数
type StrategyConfig struct {
	ID               string         `mapstructure:"id"`
	Strategy         string         `mapstructure:"strategy"`
	Asset            string         `mapstructure:"asset"`
	Timeframe        string         `mapstructure:"timeframe"`
	CapitalPct       float64        `mapstructure:"capital_pct"`
	Enabled          *bool          `mapstructure:"enabled"`
	IndividualReport bool           `mapstructure:"individual_report"`
	AllowShort       bool           `mapstructure:"allow_short"`
	Params           map[string]any `mapstructure:"params"`
}

// IsEnabled 未配置 enabled 时默认启用
func (s StrategyConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EnabledStrategies 返回所有启用的策略
func (c *Config) EnabledStrategies() []StrategyConfig {
	out := make([]StrategyConfig, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// Validate 检查配置的一致性，包括启用策略的资金比例总和不超过 100%
func (c *Config) Validate() error {
	var errs []error

	switch c.System.Mode {
	case ModeLive, ModePaper:
	default:
		errs = append(errs, fmt.Errorf("system.mode must be %q or %q, got %q", ModeLive, ModePaper, c.System.Mode))
	}
	switch c.System.DeactivationPolicy {
	case PolicyHold, PolicyLiquidate:
	default:
		errs = append(errs, fmt.Errorf("system.deactivation_policy must be %q or %q, got %q", PolicyHold, PolicyLiquidate, c.System.DeactivationPolicy))
	}
	if c.System.InitialCash <= 0 {
		errs = append(errs, errors.New("system.initial_cash must be > 0"))
	}
	if c.System.CommissionPct < 0 || c.System.SlippagePct < 0 {
		errs = append(errs, errors.New("system.commission_pct and system.slippage_pct must be >= 0"))
	}
	if c.System.Execution.MaxRetries < 1 {
		errs = append(errs, errors.New("system.execution.max_retries must be >= 1"))
	}

	seen := make(map[string]bool, len(c.Strategies))
	total := 0.0
	for i, s := range c.Strategies {
		prefix := fmt.Sprintf("strategies[%d]", i)
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is empty", prefix))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%s.id %q is duplicated", prefix, s.ID))
		}
		seen[s.ID] = true
		if s.Strategy == "" {
			errs = append(errs, fmt.Errorf("%s.strategy is empty", prefix))
		}
		if s.Asset == "" {
			errs = append(errs, fmt.Errorf("%s.asset is empty", prefix))
		}
		if _, err := ParseIntervalDuration(s.Timeframe); err != nil {
			errs = append(errs, fmt.Errorf("%s.timeframe: %w", prefix, err))
		}
		if s.CapitalPct <= 0 || s.CapitalPct > 100 {
			errs = append(errs, fmt.Errorf("%s.capital_pct must be in (0, 100], got %v", prefix, s.CapitalPct))
		}
		if s.IsEnabled() {
			total += s.CapitalPct
		}
	}
	// 与原系统一致: 总分配比例超过 100% 直接拒绝启动
	if total > 100 {
		errs = append(errs, fmt.Errorf("total capital_pct of enabled strategies is %.2f%%, exceeds 100%%", total))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("system.mode", ModePaper)
	v.SetDefault("system.log_level", "info")
	v.SetDefault("system.initial_cash", 100000.0)
	v.SetDefault("system.commission_pct", 0.001)
	v.SetDefault("system.slippage_pct", 0.0005)
	v.SetDefault("system.deactivation_policy", PolicyHold)
	v.SetDefault("system.snapshot_interval", 60*time.Second)
	v.SetDefault("system.shutdown_timeout", 30*time.Second)
	v.SetDefault("system.reconcile_interval", 60*time.Second)

	v.SetDefault("system.execution.max_retries", 3)
	v.SetDefault("system.execution.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("system.execution.retry_max_delay", 10*time.Second)
	v.SetDefault("system.execution.submit_timeout", 5*time.Second)
	v.SetDefault("system.execution.rate_limit", 10)
	v.SetDefault("system.execution.rate_window", time.Second)
	v.SetDefault("system.execution.workers", 4)
	v.SetDefault("system.execution.queue_size", 1024)
	v.SetDefault("system.execution.poll_interval", 2*time.Second)

	v.SetDefault("system.feed.ws_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("system.feed.base_interval", "1m")

	v.SetDefault("system.venue.name", "binance")
	v.SetDefault("system.venue.rest_url", "https://testnet.binance.vision")
	v.SetDefault("system.venue.api_key", "")
	v.SetDefault("system.venue.secret_key", "")
	v.SetDefault("system.venue.max_spread_pct", 0.15)

	v.SetDefault("system.database.host", "localhost")
	v.SetDefault("system.database.port", 5432)
	v.SetDefault("system.database.name", "trading")
	v.SetDefault("system.database.user", "trader")
	v.SetDefault("system.database.password", "")
	v.SetDefault("system.database.ssl_mode", "prefer")
	v.SetDefault("system.database.max_conns", 4)

	v.SetDefault("system.data.source", "csv")
	v.SetDefault("system.data.csv_dir", "data")
	v.SetDefault("system.data.base_interval", "1m")

	v.SetDefault("system.backtest.period", PeriodInSample)
	v.SetDefault("system.report.dir", "output")
}

// newViper 支持传入配置目录 (读取其中的 config.yaml) 或具体文件路径
func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		v.SetConfigName("config") // 文件名是 config
		v.SetConfigType("yaml")   // 文件类型是 yaml
		v.AddConfigPath(configPath)
	} else {
		v.SetConfigFile(configPath)
	}

	// 密钥等敏感信息通过环境变量覆盖，例如 TRADER_SYSTEM_VENUE_API_KEY
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i, s := range cfg.Strategies {
		if tf, err := NormalizeInterval(s.Timeframe); err == nil {
			cfg.Strategies[i].Timeframe = tf
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig 读取并解析配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return decode(v)
}

// ConfigWatcher 监听配置文件变化，解析成功后回调
type ConfigWatcher struct {
	v       *viper.Viper
	file    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	stop    sync.Once
}

// WatchConfig 启动文件监听 (fsnotify)。解析失败的变更交给 onError，旧配置继续生效。
// 调用方负责 Stop。
func WatchConfig(configPath string, onChange func(*Config), onError func(error)) (*ConfigWatcher, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	file, err := filepath.Abs(v.ConfigFileUsed())
	if err != nil {
		return nil, fmt.Errorf("resolve config %s: %w", configPath, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	// 监听所在目录: 编辑器常用 "写临时文件再重命名" 的方式保存
	if err := fw.Add(filepath.Dir(file)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config %s: %w", file, err)
	}

	w := &ConfigWatcher{v: v, file: file, watcher: fw, done: make(chan struct{})}
	go w.loop(onChange, onError)
	return w, nil
}

func (w *ConfigWatcher) loop(onChange func(*Config), onError func(error)) {
	defer close(w.done)
	fail := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.file || (!e.Has(fsnotify.Write) && !e.Has(fsnotify.Create)) {
				continue
			}
			if err := w.v.ReadInConfig(); err != nil {
				fail(fmt.Errorf("read config %s: %w", w.file, err))
				continue
			}
			cfg, err := decode(w.v)
			if err != nil {
				fail(err)
				continue
			}
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			fail(fmt.Errorf("watch config %s: %w", w.file, err))
		}
	}
}

// Stop 停止监听并等待正在执行的回调返回，之后不会再有回调。可重复调用。
// 不能在回调内调用。
func (w *ConfigWatcher) Stop() error {
	var err error
	w.stop.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

// ConfigFile 返回正在监听的文件
func (w *ConfigWatcher) ConfigFile() string {
	return w.file
}
