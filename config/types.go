package config

import "github.com/daniellavrushin/pktreplay/log"

type Config struct {
	ConfigPath string `json:"-" bson:"-"`

	Interfaces InterfacesConfig `json:"interfaces" bson:"interfaces"`
	Speed      SpeedConfig      `json:"speed" bson:"speed"`
	Timing     TimingConfig     `json:"timing" bson:"timing"`
	Replay     ReplayConfig     `json:"replay" bson:"replay"`
	System     SystemConfig     `json:"system" bson:"system"`
}

type InterfacesConfig struct {
	Primary   string `json:"primary" bson:"primary"`
	Secondary string `json:"secondary" bson:"secondary"`
	// Inject is the transmit backend: afpacket or pcap.
	Inject string `json:"inject" bson:"inject"`
}

type SpeedConfig struct {
	Mode       string  `json:"mode" bson:"mode"`
	Multiplier float64 `json:"multiplier" bson:"multiplier"`
	Mbps       float64 `json:"mbps" bson:"mbps"`
	PPS        float64 `json:"pps" bson:"pps"`
	PPSMulti   int     `json:"pps_multi" bson:"pps_multi"`
}

type TimingConfig struct {
	Accuracy   string  `json:"accuracy" bson:"accuracy"`
	SleepAccel float64 `json:"sleep_accel" bson:"sleep_accel"`
}

type ReplayConfig struct {
	Loop        uint32 `json:"loop" bson:"loop"`
	LimitSend   uint64 `json:"limit_send" bson:"limit_send"`
	MaxFailures uint64 `json:"max_failures" bson:"max_failures"`
	MTU         int    `json:"mtu" bson:"mtu"`
	MTUTrunc    bool   `json:"mtu_trunc" bson:"mtu_trunc"`
	PktLen      bool   `json:"pktlen" bson:"pktlen"`
	FileCache   bool   `json:"file_cache" bson:"file_cache"`
	Preload     bool   `json:"preload" bson:"preload"`
	RouteCache  string `json:"route_cache" bson:"route_cache"`
}

type SystemConfig struct {
	Logging   Logging         `json:"logging" bson:"logging"`
	WebServer WebServerConfig `json:"web_server" bson:"web_server"`
	Otel      OtelConfig      `json:"otel" bson:"otel"`
}

type Logging struct {
	Level      log.Level `json:"level" bson:"level"`
	Instaflush bool      `json:"instaflush" bson:"instaflush"`
	Syslog     bool      `json:"syslog" bson:"syslog"`
	ErrorFile  string    `json:"error_file" bson:"error_file"`
}

type WebServerConfig struct {
	Port        int    `json:"port" bson:"port"`
	BindAddress string `json:"bind_address" bson:"bind_address"`
	IsEnabled   bool   `json:"-" bson:"-"`
}

type OtelConfig struct {
	Enabled         bool   `json:"enabled" bson:"enabled"`
	Endpoint        string `json:"endpoint" bson:"endpoint"`
	ServiceName     string `json:"service_name" bson:"service_name"`
	IntervalSeconds int    `json:"interval_seconds" bson:"interval_seconds"`
}
