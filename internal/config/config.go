// Package config loads the process configuration from a YAML or CUE file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/engine"
	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/remote"
	"github.com/roach88/enrollsync/internal/store"
	"github.com/roach88/enrollsync/internal/transform"
)

// PasswordEnv overrides remote.password when set.
const PasswordEnv = "ENROLLSYNC_REMOTE_PASSWORD"

// Defaults applied to fields left empty.
const (
	DefaultDriver     = store.DriverSQLite
	DefaultListenAddr = ":8080"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the root of the configuration file.
type Config struct {
	Remote   Remote             `yaml:"remote" json:"remote"`
	State    Database           `yaml:"state" json:"state"`
	Source   Database           `yaml:"source" json:"source"`
	Server   Server             `yaml:"server" json:"server"`
	SyncedBy string             `yaml:"synced_by" json:"synced_by"`
	Programs map[string]Program `yaml:"programs" json:"programs"`
}

// Remote holds the tracker endpoint and its credentials.
type Remote struct {
	URL       string   `yaml:"url" json:"url"`
	Username  string   `yaml:"username" json:"username"`
	Password  string   `yaml:"password" json:"password"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
	BatchSize int      `yaml:"batch_size" json:"batch_size"`
}

// Database names a database/sql driver and DSN.
type Database struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Program is the mapping of one program.
type Program struct {
	ProgramID         string                         `yaml:"program_id" json:"program_id"`
	TrackedEntityType string                         `yaml:"tracked_entity_type" json:"tracked_entity_type"`
	Tables            Tables                         `yaml:"tables" json:"tables"`
	DataElements      map[string]string              `yaml:"data_elements" json:"data_elements"`
	Attributes        map[string]string              `yaml:"attributes" json:"attributes"`
	DateTypes         map[string]model.AttributeType `yaml:"date_types" json:"date_types"`
	OrgUnits          map[string]string              `yaml:"org_units" json:"org_units"`
	Stages            map[string]string              `yaml:"stages" json:"stages"`
}

// Tables names the source tables of a program.
type Tables struct {
	Enrollment string `yaml:"enrollment" json:"enrollment"`
	Event      string `yaml:"event" json:"event"`
	Instance   string `yaml:"instance" json:"instance"`
}

// ApplyDefaults fills empty fields and the password override.
func (c *Config) ApplyDefaults() {
	if c.Remote.Timeout.Duration <= 0 {
		c.Remote.Timeout.Duration = remote.DefaultTimeout
	}
	if c.Remote.BatchSize <= 0 {
		c.Remote.BatchSize = engine.DefaultBatchSize
	}
	if c.SyncedBy == "" {
		c.SyncedBy = engine.DefaultSyncedBy
	}
	if c.State.Driver == "" {
		c.State.Driver = DefaultDriver
	}
	if c.Source.Driver == "" {
		c.Source.Driver = c.State.Driver
	}
	if c.Source.DSN == "" {
		c.Source.DSN = c.State.DSN
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if pw, ok := os.LookupEnv(PasswordEnv); ok {
		c.Remote.Password = pw
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Remote.URL == "" {
		fail("remote.url is required")
	}
	if c.State.DSN == "" {
		fail("state.dsn is required")
	}
	if _, err := store.DialectFor(c.State.Driver); err != nil {
		fail("state.driver: %v", err)
	}
	if _, err := store.DialectFor(c.Source.Driver); err != nil {
		fail("source.driver: %v", err)
	}
	// the delta queries join source tables against the tracker tables
	if c.Source.Driver != c.State.Driver || c.Source.DSN != c.State.DSN {
		fail("source database must be the state database: tracker tables are joined in the delta query")
	}
	if len(c.Programs) == 0 {
		fail("at least one program is required")
	}
	for _, name := range c.ProgramNames() {
		p := c.Programs[name]
		if p.Tables.Enrollment == "" || p.Tables.Event == "" {
			fail("program %s: tables.enrollment and tables.event are required", name)
		}
		for id, typ := range p.DateTypes {
			if typ != model.AttributeDate && typ != model.AttributeDateTime {
				fail("program %s: date_types.%s: unknown type %q", name, id, typ)
			}
		}
		m := p.mapping(name)
		if err := m.Validate(model.CategoryNewActive); err != nil {
			errs = append(errs, err)
		}
		if p.Tables.Instance != "" {
			if err := m.Validate(model.CategoryInstance); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ProgramNames returns the configured program names in sorted order.
func (c *Config) ProgramNames() []string {
	names := make([]string, 0, len(c.Programs))
	for n := range c.Programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Program returns the engine program named name.
func (c *Config) Program(name string) (engine.Program, bool) {
	p, ok := c.Programs[name]
	if !ok {
		return engine.Program{}, false
	}
	return engine.Program{
		Mapping: p.mapping(name),
		Tables: delta.Tables{
			Enrollment: p.Tables.Enrollment,
			Event:      p.Tables.Event,
			Instance:   p.Tables.Instance,
		},
	}, true
}

// EnginePrograms returns every configured program, sorted by name.
func (c *Config) EnginePrograms() []engine.Program {
	out := make([]engine.Program, 0, len(c.Programs))
	for _, name := range c.ProgramNames() {
		p, _ := c.Program(name)
		out = append(out, p)
	}
	return out
}

func (p Program) mapping(name string) transform.Mapping {
	return transform.Mapping{
		Program:           name,
		ProgramID:         p.ProgramID,
		TrackedEntityType: p.TrackedEntityType,
		DataElements:      p.DataElements,
		Attributes:        p.Attributes,
		DateTypes:         p.DateTypes,
		OrgUnits:          p.OrgUnits,
		Stages:            p.Stages,
	}
}
