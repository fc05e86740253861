package config

import "github.com/daniellavrushin/pktreplay/log"

const (
	InjectAFPacket = "afpacket"
	InjectPcap     = "pcap"
)

var DefaultConfig = Config{
	ConfigPath: "",

	Interfaces: InterfacesConfig{
		Inject: InjectAFPacket,
	},

	Speed: SpeedConfig{
		Mode:       "multiplier",
		Multiplier: 1.0,
		Mbps:       100,
		PPS:        1000,
		PPSMulti:   1,
	},

	Timing: TimingConfig{
		Accuracy:   "sleep",
		SleepAccel: 1.0,
	},

	Replay: ReplayConfig{
		Loop: 1,
	},

	System: SystemConfig{
		WebServer: WebServerConfig{
			Port:      0,
			IsEnabled: false,
		},

		Logging: Logging{
			Level:      log.LevelInfo,
			Instaflush: true,
			Syslog:     false,
		},

		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "pktreplay",
			IntervalSeconds: 10,
		},
	},
}

func NewConfig() Config {
	return DefaultConfig
}
