// Package config wraps the engine's typed option map: a bag of tunables
// (JIT x86 multiblock limits, cache sizes, TSO enforcement, thunk paths)
// that must be readable from a file, environment variables, or set
// programmatically before InitCore runs. *viper.Viper already does exactly
// this layering, so Options is a thin typed accessor over one rather than
// a hand-rolled flag/env/file merger.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Defaults for every tunable, kept here rather than scattered across call
// sites.
const (
	DefaultMaxInstructionsPerBlock = 5000
	DefaultBlockCacheL2Capacity    = 1 << 16
	DefaultThunkHandlerTimeout     = 5 * time.Second
)

// Options is the typed option map. Every accessor falls back to the
// package-level default when the underlying key was never set, so a
// freshly-constructed Options is already usable without a config file.
type Options struct {
	v *viper.Viper
}

// New returns an Options with defaults populated and no file loaded.
func New() *Options {
	v := viper.New()
	v.SetDefault("multiblock.max_instructions", DefaultMaxInstructionsPerBlock)
	v.SetDefault("blockcache.l2_capacity", DefaultBlockCacheL2Capacity)
	v.SetDefault("tso.enforce", true)
	v.SetDefault("tso.paranoid", false)
	v.SetDefault("backend.isa", "arm64")
	v.SetDefault("thunks.library_path", "")
	v.SetDefault("thunks.handler_timeout", DefaultThunkHandlerTimeout)
	v.AutomaticEnv()
	v.SetEnvPrefix("CROSSCORE")
	return &Options{v: v}
}

// Load reads path (TOML/YAML/JSON, detected by extension) into the option
// set, overriding defaults but not values already set via Set.
func Load(path string) (*Options, error) {
	o := New()
	o.v.SetConfigFile(path)
	if err := o.v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	return o, nil
}

// Set assigns a single key programmatically, taking precedence over both
// the file and the environment.
func (o *Options) Set(key string, value interface{}) { o.v.Set(key, value) }

func (o *Options) MaxInstructionsPerBlock() int { return o.v.GetInt("multiblock.max_instructions") }

func (o *Options) BlockCacheL2Capacity() int { return o.v.GetInt("blockcache.l2_capacity") }

// EnforceTSO reports whether OpLoadMemTSO/OpStoreMemTSO should lower with
// their full fence sequence; disabling it is a correctness-for-speed
// tradeoff some guest workloads (single-threaded, no fine-grained locking)
// can safely make.
func (o *Options) EnforceTSO() bool { return o.v.GetBool("tso.enforce") }

// ParanoidTSO upgrades every TSO access to a full two-sided barrier on
// weakly-ordered hosts, trading throughput for the most conservative
// possible ordering.
func (o *Options) ParanoidTSO() bool { return o.v.GetBool("tso.paranoid") }

// BackendISA selects which backend.Machine InitCore constructs ("arm64" or
// "amd64").
func (o *Options) BackendISA() string { return o.v.GetString("backend.isa") }

func (o *Options) ThunkLibraryPath() string { return o.v.GetString("thunks.library_path") }

func (o *Options) ThunkHandlerTimeout() time.Duration {
	return o.v.GetDuration("thunks.handler_timeout")
}
