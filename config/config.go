package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type Config struct {
	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"` // Empty logs to stderr.
	Txn      Txn    `toml:"txn"`      // Transaction and lock options.
	Table    Table  `toml:"table"`    // Table options.
	Bench    Bench  `toml:"bench"`    // Options of the portfolio-bench workload.
}

type Txn struct {
	// How long a lock request may wait before failing. Zero waits until granted, cancelled or chosen
	// as a deadlock victim.
	LockWaitTimeout Duration `toml:"lock-wait-timeout"`
	// Maintain the wait-for graph and abort the request that closes a cycle.
	DetectDeadlock bool `toml:"detect-deadlock"`
}

type Table struct {
	MaxTombstones int `toml:"max-tombstones"` // Committed deletions remembered per table.
}

type Bench struct {
	Accounts     int    `toml:"accounts"`
	Assets       int    `toml:"assets"`
	Workers      int    `toml:"workers"`
	Transactions int    `toml:"transactions"` // Transactions run by each worker.
	MetricsAddr  string `toml:"metrics-addr"` // Serve prometheus metrics here when set.
}

// Duration is a time.Duration that reads and writes itself as a string such as "1.5s".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

var DefaultConf = Config{
	LogLevel: getLogLevel(),
	Txn: Txn{
		DetectDeadlock: true,
	},
	Table: Table{
		MaxTombstones: 4096,
	},
	Bench: Bench{
		Accounts:     16,
		Assets:       32,
		Workers:      8,
		Transactions: 1000,
	},
}

func NewDefaultConfig() *Config {
	c := DefaultConf
	return &c
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Txn: Txn{
			LockWaitTimeout: NewDuration(5 * time.Second),
			DetectDeadlock:  true,
		},
		Table: Table{
			MaxTombstones: 64,
		},
		Bench: Bench{
			Accounts:     4,
			Assets:       4,
			Workers:      4,
			Transactions: 50,
		},
	}
}

// Load reads a TOML file over the defaults. Keys the configuration does not know are rejected.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.Errorf("config %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Txn.LockWaitTimeout.Duration < 0 {
		return errors.New("lock-wait-timeout must not be negative")
	}
	if !c.Txn.DetectDeadlock && c.Txn.LockWaitTimeout.Duration == 0 {
		return errors.New("lock-wait-timeout is required when deadlock detection is disabled")
	}
	if c.Table.MaxTombstones < 0 {
		return errors.New("max-tombstones must not be negative")
	}
	if c.Bench.Workers < 0 || c.Bench.Transactions < 0 {
		return errors.New("bench workers and transactions must not be negative")
	}
	if c.Bench.Workers > 0 && (c.Bench.Accounts < 1 || c.Bench.Assets < 2) {
		return errors.New("bench needs at least one account and two assets")
	}
	if c.Txn.LockWaitTimeout.Duration > 0 && c.Txn.LockWaitTimeout.Duration < time.Millisecond {
		log.Warn("lock-wait-timeout is very short, most contended requests will time out",
			zap.Duration("lock-wait-timeout", c.Txn.LockWaitTimeout.Duration))
	}
	return nil
}

// InitLogger replaces the global logger according to LogLevel and LogFile.
func (c *Config) InitLogger() error {
	cfg := &log.Config{Level: c.LogLevel}
	if c.LogFile != "" {
		cfg.File = log.FileLogConfig{Filename: c.LogFile}
	}
	lg, props, err := log.InitLogger(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}
