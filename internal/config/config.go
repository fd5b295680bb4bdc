// Package config loads ConnectionParams and library defaults via
// viper-backed env/file/override precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/harborq/jobqueue/api"
)

// LogConfig is enough to build a logging.Logger without this package
// depending on it.
type LogConfig struct {
	Level zerolog.Level
	JSON  bool
}

const (
	defaultPoolSize   = 5
	defaultPrefetch   = 1
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
	defaultHeartbeat  = 10 * time.Second
)

// Load reads ConnectionParams from an optional config file already
// loaded into v, the environment (JOBQUEUE_* vars), and finally
// overrides, in ascending precedence — overrides always win, environment
// beats file defaults so a deployment can be reconfigured without a rebuild.
func Load(v *viper.Viper, overrides api.ConnectionParams) api.ConnectionParams {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("JOBQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 5672)
	v.SetDefault("username", "guest")
	v.SetDefault("password", "guest")
	v.SetDefault("vhost", "/")
	v.SetDefault("poolsize", defaultPoolSize)
	v.SetDefault("prefetch", defaultPrefetch)
	v.SetDefault("maxretries", defaultMaxRetries)
	v.SetDefault("retrydelayms", defaultRetryDelay.Milliseconds())
	v.SetDefault("heartbeatms", defaultHeartbeat.Milliseconds())
	v.SetDefault("framesize", 0)

	params := api.ConnectionParams{
		Host:       v.GetString("host"),
		Port:       v.GetInt("port"),
		Username:   v.GetString("username"),
		Password:   v.GetString("password"),
		VHost:      v.GetString("vhost"),
		FrameSize:  v.GetInt("framesize"),
		Heartbeat:  time.Duration(v.GetInt64("heartbeatms")) * time.Millisecond,
		MaxRetries: v.GetInt("maxretries"),
		RetryDelay: time.Duration(v.GetInt64("retrydelayms")) * time.Millisecond,
		PoolSize:   v.GetInt("poolsize"),
		Prefetch:   v.GetInt("prefetch"),
	}

	applyOverrides(&params, overrides)
	return params
}

// applyOverrides copies any non-zero-valued field of overrides onto
// params; a Configure() call is expected to only set what it cares
// about and let the rest fall through to environment/defaults.
func applyOverrides(params *api.ConnectionParams, overrides api.ConnectionParams) {
	if overrides.Host != "" {
		params.Host = overrides.Host
	}
	if overrides.Port != 0 {
		params.Port = overrides.Port
	}
	if overrides.Username != "" {
		params.Username = overrides.Username
	}
	if overrides.Password != "" {
		params.Password = overrides.Password
	}
	if overrides.VHost != "" {
		params.VHost = overrides.VHost
	}
	if overrides.FrameSize != 0 {
		params.FrameSize = overrides.FrameSize
	}
	if overrides.Heartbeat != 0 {
		params.Heartbeat = overrides.Heartbeat
	}
	if overrides.MaxRetries != 0 {
		params.MaxRetries = overrides.MaxRetries
	}
	if overrides.RetryDelay != 0 {
		params.RetryDelay = overrides.RetryDelay
	}
	if overrides.PoolSize != 0 {
		params.PoolSize = overrides.PoolSize
	}
	if overrides.Prefetch != 0 {
		params.Prefetch = overrides.Prefetch
	}
}

// AMQPURL builds the amqp091-go dial URL from ConnectionParams.
func AMQPURL(p api.ConnectionParams) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", p.Username, p.Password, p.Host, p.Port, vhostPath(p.VHost))
}

func vhostPath(vhost string) string {
	if vhost == "" || vhost == "/" {
		return "/"
	}
	if strings.HasPrefix(vhost, "/") {
		return vhost
	}
	return "/" + vhost
}
