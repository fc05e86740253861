package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/daniellavrushin/pktreplay/log"
	"github.com/daniellavrushin/pktreplay/replay"
	"github.com/daniellavrushin/pktreplay/routecache"
	"github.com/daniellavrushin/pktreplay/timing"
	"github.com/spf13/cobra"
)

func (c *Config) SaveToFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return log.Errorf("failed to marshal config: %v", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return log.Errorf("failed to create config file: %v", err)
	}
	defer file.Close()

	_, err = file.Write(data)
	if err != nil {
		return log.Errorf("failed to write config file: %v", err)
	}
	return nil
}

func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return log.Errorf("failed to stat config file: %v", err)
	}
	if info.IsDir() {
		return log.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return log.Errorf("failed to read config file: %v", err)
	}
	err = json.Unmarshal(data, c)
	if err != nil {
		return log.Errorf("failed to parse config file: %v", err)
	}
	return nil
}

func (c *Config) BindFlags(cmd *cobra.Command) {
	// Config path
	cmd.Flags().StringVar(&c.ConfigPath, "config", c.ConfigPath, "Path to config file")

	// Interfaces
	cmd.Flags().StringVar(&c.Interfaces.Primary, "intf1", c.Interfaces.Primary, "Primary output interface")
	cmd.Flags().StringVar(&c.Interfaces.Secondary, "intf2", c.Interfaces.Secondary, "Secondary output interface (requires --cachefile)")
	cmd.Flags().StringVar(&c.Interfaces.Inject, "inject", c.Interfaces.Inject, "Transmit backend (afpacket|pcap)")

	// Speed
	cmd.Flags().StringVar(&c.Speed.Mode, "speed-mode", c.Speed.Mode, "Replay speed mode (multiplier|mbps|pps|topspeed|oneatatime)")
	cmd.Flags().Float64VarP(&c.Speed.Multiplier, "multiplier", "x", c.Speed.Multiplier, "Scale the captured inter-packet gaps by 1/x")
	cmd.Flags().Float64VarP(&c.Speed.Mbps, "mbps", "M", c.Speed.Mbps, "Replay at a constant rate in Mbps")
	cmd.Flags().Float64VarP(&c.Speed.PPS, "pps", "p", c.Speed.PPS, "Replay at a constant rate in packets per second")
	cmd.Flags().IntVar(&c.Speed.PPSMulti, "pps-multi", c.Speed.PPSMulti, "Send this many packets per pps interval")

	// Timing
	cmd.Flags().StringVar(&c.Timing.Accuracy, "timer", c.Timing.Accuracy, "Wait strategy (sleep|gtod|abstime|select|nanosleep)")
	cmd.Flags().Float64Var(&c.Timing.SleepAccel, "sleep-accel", c.Timing.SleepAccel, "Multiply every computed delay by this factor")

	// Replay
	cmd.Flags().Uint32VarP(&c.Replay.Loop, "loop", "l", c.Replay.Loop, "Replay the sources this many times (0 loops forever)")
	cmd.Flags().Uint64VarP(&c.Replay.LimitSend, "limit", "L", c.Replay.LimitSend, "Stop after this many packets (0 disables)")
	cmd.Flags().Uint64Var(&c.Replay.MaxFailures, "max-failures", c.Replay.MaxFailures, "Abort after this many failed sends (0 never aborts)")
	cmd.Flags().IntVar(&c.Replay.MTU, "mtu", c.Replay.MTU, "Override the interface MTU (0 uses the interface value)")
	cmd.Flags().BoolVar(&c.Replay.MTUTrunc, "mtu-trunc", c.Replay.MTUTrunc, "Truncate packets larger than the MTU instead of sending them whole")
	cmd.Flags().BoolVar(&c.Replay.PktLen, "pktlen", c.Replay.PktLen, "Send packets at their original wire length, zero filling uncaptured bytes")
	cmd.Flags().BoolVarP(&c.Replay.FileCache, "enable-file-cache", "K", c.Replay.FileCache, "Keep sources in memory after the first pass")
	cmd.Flags().BoolVar(&c.Replay.Preload, "preload-pcap", c.Replay.Preload, "Load every source into memory before sending")
	cmd.Flags().StringVarP(&c.Replay.RouteCache, "cachefile", "c", c.Replay.RouteCache, "Routing cache splitting traffic between the interfaces")

	// System configuration
	cmd.Flags().BoolVarP(&c.System.Logging.Instaflush, "instaflush", "i", c.System.Logging.Instaflush, "Flush logs immediately")
	cmd.Flags().BoolVar(&c.System.Logging.Syslog, "syslog", c.System.Logging.Syslog, "Enable syslog output")
	cmd.Flags().StringVar(&c.System.Logging.ErrorFile, "error-file", c.System.Logging.ErrorFile, "Also write errors to this file")

	cmd.Flags().IntVar(&c.System.WebServer.Port, "web-port", c.System.WebServer.Port, "Port for the control web server (0 disables)")
	cmd.Flags().StringVar(&c.System.WebServer.BindAddress, "web-bind", c.System.WebServer.BindAddress, "Address for the control web server")

	cmd.Flags().BoolVar(&c.System.Otel.Enabled, "otel", c.System.Otel.Enabled, "Export replay metrics over OTLP")
	cmd.Flags().StringVar(&c.System.Otel.Endpoint, "otel-endpoint", c.System.Otel.Endpoint, "OTLP gRPC collector endpoint")
}

func (cfg *Config) ApplyLogLevel(level string) {
	switch level {
	case "debug":
		cfg.System.Logging.Level = log.LevelDebug
	case "trace":
		cfg.System.Logging.Level = log.LevelTrace
	case "info":
		cfg.System.Logging.Level = log.LevelInfo
	case "warn":
		cfg.System.Logging.Level = log.LevelWarn
	case "error":
		cfg.System.Logging.Level = log.LevelError
	case "silent":
		cfg.System.Logging.Level = log.LevelSilent
	default:
		cfg.System.Logging.Level = log.LevelInfo
	}
}

func (c *Config) Validate() error {
	c.System.WebServer.IsEnabled = c.System.WebServer.Port > 0 && c.System.WebServer.Port <= 65535

	if c.System.WebServer.Port < 0 || c.System.WebServer.Port > 65535 {
		return fmt.Errorf("web-port must be between 0 and 65535")
	}

	switch c.Interfaces.Inject {
	case InjectAFPacket, InjectPcap:
	default:
		return fmt.Errorf("inject must be %s or %s, got %q", InjectAFPacket, InjectPcap, c.Interfaces.Inject)
	}

	if c.Interfaces.Primary != "" && c.Interfaces.Primary == c.Interfaces.Secondary {
		return fmt.Errorf("intf1 and intf2 are both %s", c.Interfaces.Primary)
	}

	if c.Interfaces.Secondary != "" && c.Replay.RouteCache == "" {
		return fmt.Errorf("--intf2 requires --cachefile")
	}

	policy, err := c.speedPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	if _, err := timing.ParseAccuracy(c.Timing.Accuracy); err != nil {
		return err
	}

	if c.Timing.SleepAccel < 0 {
		return fmt.Errorf("sleep-accel must not be negative")
	}

	if c.Replay.MTU < 0 || c.Replay.MTU > replay.MaxMTU {
		return fmt.Errorf("mtu must be between 0 and %d", replay.MaxMTU)
	}

	if c.Replay.Preload && !c.Replay.FileCache {
		return fmt.Errorf("--preload-pcap requires --enable-file-cache")
	}

	if c.System.Otel.Enabled && c.System.Otel.IntervalSeconds < 1 {
		return fmt.Errorf("otel interval must be at least 1 second")
	}

	return nil
}

// speedPolicy picks the speed value that matches the configured mode.
func (c *Config) speedPolicy() (timing.SpeedPolicy, error) {
	mode, err := timing.ParseSpeedMode(c.Speed.Mode)
	if err != nil {
		return timing.SpeedPolicy{}, err
	}
	p := timing.SpeedPolicy{Mode: mode, Speed: 1, PPSMulti: c.Speed.PPSMulti}
	switch mode {
	case timing.Multiplier:
		p.Speed = c.Speed.Multiplier
	case timing.MbpsRate:
		p.Speed = c.Speed.Mbps
	case timing.PacketRate:
		p.Speed = c.Speed.PPS
	}
	return p, nil
}

// Apply pushes the configuration into ctx through its setters. Interfaces
// are opened with whatever opener ctx holds, so callers install the
// transmit backend first.
func (c *Config) Apply(ctx *replay.Context) error {
	policy, err := c.speedPolicy()
	if err != nil {
		return err
	}
	accuracy, err := timing.ParseAccuracy(c.Timing.Accuracy)
	if err != nil {
		return err
	}

	steps := []func() error{
		func() error { return ctx.SetSpeed(policy.Speed) },
		func() error { return ctx.SetPPSMulti(policy.PPSMulti) },
		func() error { return ctx.SetSpeedMode(policy.Mode) },
		func() error { return ctx.SetAccurate(accuracy) },
		func() error { return ctx.SetSleepAccel(c.Timing.SleepAccel) },
		func() error { return ctx.SetLoop(c.Replay.Loop) },
		func() error { return ctx.SetLimitSend(c.Replay.LimitSend) },
		func() error { return ctx.SetMaxFailures(c.Replay.MaxFailures) },
		func() error { return ctx.SetMTU(c.Replay.MTU) },
		func() error { return ctx.SetMTUTrunc(c.Replay.MTUTrunc) },
		func() error { return ctx.SetUsePktHdrLen(c.Replay.PktLen) },
		func() error { return ctx.SetFileCache(c.Replay.FileCache) },
		func() error { return ctx.SetPreload(c.Replay.Preload) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if c.Replay.RouteCache != "" {
		rc, err := routecache.Open(c.Replay.RouteCache)
		if err != nil {
			return log.Errorf("failed to load routing cache: %v", err)
		}
		log.Infof("Routing cache %s: %d packets %q", c.Replay.RouteCache, rc.Len(), rc.Comment())
		if err := ctx.SetRouteCache(rc); err != nil {
			return err
		}
	}

	if c.Interfaces.Primary != "" {
		if err := ctx.SetInterface(replay.Primary, c.Interfaces.Primary); err != nil {
			return err
		}
	}
	if c.Interfaces.Secondary != "" {
		if err := ctx.SetInterface(replay.Secondary, c.Interfaces.Secondary); err != nil {
			return err
		}
	}
	return nil
}
