package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTBUS_"

// Loader assembles a Config. Later sources override earlier ones:
// defaults, Path, the Env overlay next to Path, DotEnv files, the process environment.
type Loader struct {
	// Path of the base YAML file; empty skips it.
	Path string
	// Env names an overlay file: config.yaml + "production" reads config.production.yaml when present.
	Env string
	// DotEnv files are read without touching the process environment; missing files are ignored.
	DotEnv []string
	// Lookup reads the process environment; nil uses os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Load reads path with the overlay named by EVENTBUS_ENV and a local .env file.
func Load(path string) (Config, error) {
	return Loader{Path: path, Env: os.Getenv(EnvPrefix + "ENV"), DotEnv: []string{".env"}}.Load()
}

func (l Loader) Load() (Config, error) {
	cfg := Default()

	if l.Path != "" {
		if err := decodeFile(l.Path, &cfg, false); err != nil {
			return Config{}, err
		}

		if l.Env != "" {
			if err := decodeFile(overlayPath(l.Path, l.Env), &cfg, true); err != nil {
				return Config{}, err
			}
		}
	}

	lookup, err := l.lookup()
	if err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func overlayPath(path, env string) string {
	ext := filepath.Ext(path)

	return strings.TrimSuffix(path, ext) + "." + env + ext
}

// decodeFile decodes path strictly into cfg, keeping values the file does not mention.
func decodeFile(path string, cfg *Config, optional bool) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}

		return fmt.Errorf("strict config parse error in %s: %w", path, errors.Join(berr.ErrInvalidConfig, err))
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config %s: %w", path, errors.Join(berr.ErrInvalidConfig, errors.New("multiple documents or trailing content")))
	}

	return nil
}

// lookup layers the process environment over the .env files.
func (l Loader) lookup() (func(string) (string, bool), error) {
	env := l.Lookup
	if env == nil {
		env = os.LookupEnv
	}

	dotenv := map[string]string{}

	for _, f := range l.DotEnv {
		m, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("read %s: %w", f, err)
		}

		for k, v := range m {
			if _, ok := dotenv[k]; !ok {
				dotenv[k] = v
			}
		}
	}

	return func(key string) (string, bool) {
		if v, ok := env(key); ok {
			return v, true
		}

		v, ok := dotenv[key]

		return v, ok
	}, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}

	return strings.TrimSpace(v), true
}

func (r *envReader) setString(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) setList(key string, dst *[]string) {
	v, ok := r.get(key)
	if !ok {
		return
	}

	var out []string

	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	*dst = out
}

func (r *envReader) setInt(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))

		return
	}

	*dst = n
}

func (r *envReader) setIntPtr(key string, dst **int) {
	if _, ok := r.get(key); !ok {
		return
	}

	var n int

	before := len(r.errs)
	r.setInt(key, &n)

	if len(r.errs) == before {
		*dst = &n
	}
}

func (r *envReader) setInt64(key string, dst *int64) {
	v, ok := r.get(key)
	if !ok {
		return
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))

		return
	}

	*dst = n
}

func (r *envReader) setDuration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))

		return
	}

	*dst = d
}

// applyEnv merges EVENTBUS_* variables into cfg. Environment values have the highest precedence.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}

	r.setString("BUS_TRANSPORT", &cfg.Bus.Transport)
	r.setList("BUS_ADDRESSES", &cfg.Bus.Addresses)
	r.setIntPtr("BUS_MAX_RECONNECTS", &cfg.Bus.MaxReconnects)
	r.setIntPtr("BUS_RETRY_TIMEOUT", &cfg.Bus.RetryTimeout)
	r.setDuration("BUS_DIAL_TIMEOUT", &cfg.Bus.DialTimeout)
	r.setString("BUS_NAME", &cfg.Bus.Name)

	r.setString("PUBLISHER_SUBJECT", &cfg.Publisher.Subject)
	r.setInt("PUBLISHER_MAILBOX_CAPACITY", &cfg.Publisher.MailboxCapacity)
	r.setString("PUBLISHER_OVERFLOW", &cfg.Publisher.Overflow)
	r.setDuration("PUBLISHER_ENQUEUE_TIMEOUT", &cfg.Publisher.EnqueueTimeout)
	r.setInt("PUBLISHER_MAX_ATTEMPTS", &cfg.Publisher.MaxAttempts)
	r.setDuration("PUBLISHER_RESEND_DELAY", &cfg.Publisher.ResendDelay)
	r.setDuration("PUBLISHER_RESTART_COOLDOWN", &cfg.Publisher.RestartCooldown)
	r.setInt("PUBLISHER_MAX_INFLIGHT", &cfg.Publisher.MaxInflight)

	r.setString("SUBSCRIBER_SUBJECT", &cfg.Subscriber.Subject)
	r.setInt("SUBSCRIBER_MAILBOX_CAPACITY", &cfg.Subscriber.MailboxCapacity)

	r.setString("DEAD_LETTER_REDIS_ADDR", &cfg.DeadLetter.RedisAddr)
	r.setString("DEAD_LETTER_REDIS_KEY", &cfg.DeadLetter.RedisKey)
	r.setInt64("DEAD_LETTER_MAX_LEN", &cfg.DeadLetter.MaxLen)

	r.setString("LOG_LEVEL", &cfg.Log.Level)
	r.setString("LOG_FORMAT", &cfg.Log.Format)

	r.setString("METRICS_ADDR", &cfg.Metrics.Addr)

	if len(r.errs) == 0 {
		return nil
	}

	return fmt.Errorf("config env: %w", errors.Join(append([]error{berr.ErrInvalidConfig}, r.errs...)...))
}
