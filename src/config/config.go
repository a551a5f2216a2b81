// Package config reads and merges the engine's configuration files.
//
// Configuration is layered the way Please's own repo config is: a set of
// defaults, overridden in turn by each configured file, and finally by
// explicit overrides (e.g. from command-line flags). Files are in gcfg's
// ini-like format; see github.com/please-build/gcfg.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/gcfg.v1"

	"github.com/anvil-build/anvil/src/logging"
)

var log = logging.MustGetLogger("config")

// ConfigFileName is the repo-level config file, normally checked in.
const ConfigFileName = ".anvilconfig"

// LocalConfigFileName overrides ConfigFileName and is not normally checked in.
const LocalConfigFileName = ".anvilconfig.local"

// A Configuration holds every tunable of the engine, grouped by component so
// a reader can find "the CAS settings" or "the sandbox settings" as one
// struct.
type Configuration struct {
	Digest struct {
		Algorithm string `gcfg:"algorithm"` // "sha256" (default) or "blake3"
	}
	CAS struct {
		Dir           string        `gcfg:"dir"`
		SizeCeiling   uint64        `gcfg:"sizeceiling"`
		GCGracePeriod time.Duration `gcfg:"gcgraceperiod"`
		IndexSize     int           `gcfg:"indexsize"`
		Compress      bool          `gcfg:"compress"`
	}
	ActionCache struct {
		Dir string `gcfg:"dir"`
	}
	Sandbox struct {
		Dir             string        `gcfg:"dir"`
		DefaultTimeout  time.Duration `gcfg:"defaulttimeout"`
		MaxMemoryBytes  uint64        `gcfg:"maxmemorybytes"`
		MaxCPUPercent   uint64        `gcfg:"maxcpupercent"`
		AllowedNetworks []string      `gcfg:"allowednetworks"`
	}
	Build struct {
		NumWorkers int  `gcfg:"numworkers"`
		KeepGoing  bool `gcfg:"keepgoing"`
	}
	Remote struct {
		URL            string        `gcfg:"url"`
		InstanceName   string        `gcfg:"instancename"`
		Timeout        time.Duration `gcfg:"timeout"`
		TLS            bool          `gcfg:"tls"`
	}
	Metrics struct {
		PushGatewayURL string        `gcfg:"pushgatewayurl"`
		PushFrequency  time.Duration `gcfg:"pushfrequency"`
	}
}

// DefaultConfiguration returns a Configuration with every field set to a
// sane default, before any file or override has been applied.
func DefaultConfiguration() *Configuration {
	c := &Configuration{}
	c.Digest.Algorithm = "sha256"
	c.CAS.Dir = ".anvil-cache/cas"
	c.CAS.SizeCeiling = 10 << 30 // 10 GiB
	c.CAS.GCGracePeriod = 10 * time.Minute
	c.CAS.IndexSize = 65536
	c.ActionCache.Dir = ".anvil-cache/ac"
	c.Sandbox.Dir = ".anvil-cache/sandboxes"
	c.Sandbox.DefaultTimeout = 10 * time.Minute
	c.Sandbox.MaxMemoryBytes = 4 << 30 // 4 GiB
	c.Build.NumWorkers = runtime.NumCPU()
	c.Build.KeepGoing = false
	c.Remote.Timeout = 30 * time.Second
	c.Metrics.PushFrequency = 10 * time.Second
	return c
}

func readConfigFile(config *Configuration, filename string) error {
	log.Debug("Reading config from %s...", filename)
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil
	} else if gcfg.FatalOnly(err) != nil {
		return err
	} else if err != nil {
		log.Warning("Error in config file %s: %s", filename, err)
	}
	return nil
}

// ReadConfigFiles reads each of the given files in turn, merging their
// contents onto the defaults. A missing file is not an error.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	if config.Digest.Algorithm != "sha256" && config.Digest.Algorithm != "blake3" {
		return config, fmt.Errorf("unknown digest algorithm %q: must be sha256 or blake3", config.Digest.Algorithm)
	}
	for _, dir := range []string{config.CAS.Dir, config.ActionCache.Dir, config.Sandbox.Dir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0775); err != nil {
				return config, err
			}
		}
	}
	return config, nil
}

// ApplyOverrides applies a set of dotted-path overrides (e.g. from
// command-line flags) onto the config by reflection.
func (config *Configuration) ApplyOverrides(overrides map[string]string) error {
	for k, v := range overrides {
		if v == "" {
			continue
		}
		if err := config.applyOverride(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (config *Configuration) applyOverride(key, value string) error {
	v := reflect.ValueOf(config).Elem()
	section, field, err := splitOverrideKey(key)
	if err != nil {
		return err
	}
	fv := v.FieldByName(section)
	if !fv.IsValid() {
		return fmt.Errorf("unknown config section %q", section)
	}
	ff := fv.FieldByName(field)
	if !ff.IsValid() {
		return fmt.Errorf("unknown config field %q in section %q", field, section)
	}
	switch ff.Kind() {
	case reflect.String:
		ff.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		ff.SetBool(b)
	case reflect.Int, reflect.Int64:
		if ff.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			ff.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		ff.SetInt(n)
	case reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		ff.SetUint(n)
	default:
		return fmt.Errorf("unsupported override type for %s.%s", section, field)
	}
	return nil
}

func splitOverrideKey(key string) (section, field string, err error) {
	for i, r := range key {
		if r == '.' {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("override key %q must be of the form section.field", key)
}

// RepoConfigPaths returns the standard set of config file locations rooted
// at dir, in the order they should be merged.
func RepoConfigPaths(dir string) []string {
	return []string{
		filepath.Join(dir, ConfigFileName),
		filepath.Join(dir, LocalConfigFileName),
	}
}
