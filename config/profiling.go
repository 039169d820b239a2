package config

import "fmt"

// ProfilingConfig contains Pyroscope settings
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED" env-default:"false"`
	ApplicationName   string            `yaml:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"soilprobe"`
	ServerAddress     string            `yaml:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	CPUProfile        bool `yaml:"cpuProfile" env:"PYROSCOPE_CPU_PROFILE" env-default:"true"`
	AllocSpaceProfile bool `yaml:"allocSpaceProfile" env:"PYROSCOPE_ALLOC_SPACE_PROFILE" env-default:"true"`
	InuseSpaceProfile bool `yaml:"inuseSpaceProfile" env:"PYROSCOPE_INUSE_SPACE_PROFILE" env-default:"true"`
	GoroutineProfile  bool `yaml:"goroutineProfile" env:"PYROSCOPE_GOROUTINE_PROFILE" env-default:"false"`
	MutexProfile      bool `yaml:"mutexProfile" env:"PYROSCOPE_MUTEX_PROFILE" env-default:"false"`
	MutexProfileRate  int  `yaml:"mutexProfileRate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
}

// Validate checks the profiling section when enabled
func (c *ProfilingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}
	if c.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}
	if c.MutexProfile && c.MutexProfileRate < 0 {
		return fmt.Errorf("profiling mutex profile rate must be >= 0")
	}
	if !c.CPUProfile && !c.AllocSpaceProfile && !c.InuseSpaceProfile && !c.GoroutineProfile && !c.MutexProfile {
		return fmt.Errorf("at least one profile type must be enabled")
	}

	return nil
}
