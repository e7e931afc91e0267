// Package config loads littlebook.hcl.
//
// Expressions in the file may use the variables home, data_dir,
// config_dir, cache_dir and env, for example:
//
//	server {
//	  cache = "${data_dir}/relay.db"
//	}
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"tractor.dev/littlebook/env/hostfs"
	"tractor.dev/littlebook/internal/ctxlog"
	"tractor.dev/littlebook/internal/logging"
)

const Filename = "littlebook.hcl"

type Config struct {
	// Environment selects the active storage backend. Auto prefers the
	// host filesystem when it is reachable.
	Environment string `hcl:"environment,optional" json:"environment,omitempty" validate:"oneof=auto hostfs opfs" jsonschema:"enum=auto,enum=hostfs,enum=opfs,default=auto"`
	// Install controls when the packaged manifest is materialized. Auto
	// installs when the packaged version differs from the installed one.
	Install string `hcl:"install,optional" json:"install,omitempty" validate:"oneof=auto always never" jsonschema:"enum=auto,enum=always,enum=never,default=auto"`
	// Manifest is a host path to the packaged system tree.
	Manifest  string `hcl:"manifest,optional" json:"manifest,omitempty"`
	Entry     string `hcl:"entry,optional" json:"entry,omitempty" validate:"required"`
	Version   string `hcl:"version,optional" json:"version,omitempty" validate:"required"`
	BuildDate string `hcl:"build_date,optional" json:"build_date,omitempty"`

	Server  *Server  `hcl:"server,block" json:"server,omitempty"`
	Log     *Log     `hcl:"log,block" json:"log,omitempty"`
	OPFS    *OPFS    `hcl:"opfs,block" json:"opfs,omitempty"`
	HostFS  *HostFS  `hcl:"hostfs,block" json:"hostfs,omitempty"`
	Plugins []Plugin `hcl:"plugin,block" json:"plugins,omitempty" validate:"dive"`
}

type Server struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty" validate:"required"`
	// Timeout bounds each relay round trip to a page.
	Timeout string `hcl:"timeout,optional" json:"timeout,omitempty" validate:"duration" jsonschema:"default=30s"`
	// Cache is the sqlite file holding relayed responses, or ":memory:".
	Cache string `hcl:"cache,optional" json:"cache,omitempty" validate:"required"`
	// Network is an upstream origin for requests the relay does not
	// delegate. Without one, those requests are served from the cache.
	Network string `hcl:"network,optional" json:"network,omitempty" validate:"omitempty,url"`
}

type Log struct {
	Level      string   `hcl:"level,optional" json:"level,omitempty" validate:"oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format     string   `hcl:"format,optional" json:"format,omitempty" validate:"oneof=auto text json" jsonschema:"enum=auto,enum=text,enum=json,default=auto"`
	File       string   `hcl:"file,optional" json:"file,omitempty"`
	MaxSizeMB  int      `hcl:"max_size_mb,optional" json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int      `hcl:"max_backups,optional" json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int      `hcl:"max_age_days,optional" json:"max_age_days,omitempty" validate:"gte=0"`
	Include    []string `hcl:"include,optional" json:"include,omitempty"`
	Exclude    []string `hcl:"exclude,optional" json:"exclude,omitempty"`
}

type OPFS struct {
	// Dir is the host directory backing the private storage area.
	Dir string `hcl:"dir,optional" json:"dir,omitempty" validate:"required"`
	// Contention is the policy for a write to a path that is already
	// being written.
	Contention string `hcl:"contention,optional" json:"contention,omitempty" validate:"oneof=warn lock reject" jsonschema:"enum=warn,enum=lock,enum=reject,default=warn"`
	// Process runs the storage worker as a child process.
	Process     bool   `hcl:"process,optional" json:"process,omitempty"`
	CallTimeout string `hcl:"call_timeout,optional" json:"call_timeout,omitempty" validate:"duration"`
}

type HostFS struct {
	SystemDir  string `hcl:"system_dir,optional" json:"system_dir,omitempty"`
	UserDir    string `hcl:"user_dir,optional" json:"user_dir,omitempty"`
	WorkingDir string `hcl:"working_dir,optional" json:"working_dir,omitempty"`
}

// Plugin declares a WebAssembly transform plugin.
type Plugin struct {
	Name        string `hcl:"name,label" json:"name" validate:"required"`
	Module      string `hcl:"module" json:"module" validate:"required"`
	Filter      string `hcl:"filter" json:"filter" validate:"required,regexp"`
	ContentType string `hcl:"content_type,optional" json:"content_type,omitempty"`
}

var validate = validator.New()

func init() {
	validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.ParseDuration(s)
		return err == nil
	})
	validate.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	d := directories()
	return &Config{
		Environment: "auto",
		Install:     "auto",
		Entry:       "littlebook:system/entrypoint.ts",
		Version:     "dev",
		Server: &Server{
			Listen:  "127.0.0.1:8080",
			Timeout: "30s",
			Cache:   filepath.Join(d.data, "relay.db"),
		},
		Log: &Log{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		OPFS: &OPFS{
			Dir:        filepath.Join(d.cache, "opfs"),
			Contention: "warn",
		},
		HostFS: &HostFS{},
	}
}

// Load reads the file at path. A missing file yields Default.
func Load(ctx context.Context, path string) (*Config, error) {
	log := ctxlog.FromContext(ctx, nil)
	src, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debug("no config file", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	c, err := Parse(src, path)
	if err != nil {
		return nil, err
	}
	log.Debug("loaded config", "path", path, "environment", c.Environment, "plugins", len(c.Plugins))
	return c, nil
}

// Parse decodes src over Default and validates the result.
func Parse(src []byte, filename string) (*Config, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
	}

	c := Default()
	diags = gohcl.DecodeBody(file.Body, evalContext(), c)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
	}
	c.fill(Default())
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return c, nil
}

// fill restores defaults inside blocks the file declared partially.
// Decoding a block replaces the whole default value.
func (c *Config) fill(d *Config) {
	if c.Server == nil {
		c.Server = d.Server
	}
	orDefault(&c.Server.Listen, d.Server.Listen)
	orDefault(&c.Server.Timeout, d.Server.Timeout)
	orDefault(&c.Server.Cache, d.Server.Cache)
	if c.Log == nil {
		c.Log = d.Log
	}
	orDefault(&c.Log.Level, d.Log.Level)
	orDefault(&c.Log.Format, d.Log.Format)
	if c.OPFS == nil {
		c.OPFS = d.OPFS
	}
	orDefault(&c.OPFS.Dir, d.OPFS.Dir)
	orDefault(&c.OPFS.Contention, d.OPFS.Contention)
	if c.HostFS == nil {
		c.HostFS = d.HostFS
	}
}

func orDefault(s *string, d string) {
	if *s == "" {
		*s = d
	}
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func (s *Server) RelayTimeout() time.Duration {
	d, _ := time.ParseDuration(s.Timeout)
	return d
}

func (o *OPFS) Timeout() time.Duration {
	d, _ := time.ParseDuration(o.CallTimeout)
	return d
}

// Options converts the log block for logging.New.
func (l *Log) Options() (logging.Options, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.Options{}, err
	}
	return logging.Options{
		Level:      level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Include:    l.Include,
		Exclude:    l.Exclude,
	}, nil
}

type dirs struct {
	home, data, config, cache string
}

func directories() dirs {
	var d dirs
	d.home, _ = os.UserHomeDir()
	d.data, _ = hostfs.DefaultSystemDir()
	d.config, _ = hostfs.DefaultUserDir()
	if c, err := os.UserCacheDir(); err == nil {
		d.cache = filepath.Join(c, "littlebook")
	} else {
		d.cache = filepath.Join(os.TempDir(), "littlebook")
	}
	return d
}

func evalContext() *hcl.EvalContext {
	d := directories()
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && identifier(k) {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"home":       cty.StringVal(d.home),
			"data_dir":   cty.StringVal(d.data),
			"config_dir": cty.StringVal(d.config),
			"cache_dir":  cty.StringVal(d.cache),
			"env":        cty.ObjectVal(vars),
		},
	}
}

// identifier reports whether k can be used as env.k in an expression.
func identifier(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}
