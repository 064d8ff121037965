package config

import (
	"time"

	"github.com/spf13/pflag"
)

// LogLevel mirrors Shadow's six-level scheme (§6), distinct from the
// three/four-level schemes used elsewhere in this codebase's other
// services, since the spec names these six exact levels.
type LogLevel string

const (
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
	LogLevelWarning  LogLevel = "warning"
	LogLevelMessage  LogLevel = "message"
	LogLevelInfo     LogLevel = "info"
	LogLevelDebug    LogLevel = "debug"
)

// QDiscName selects a host interface's queuing discipline by name (§6).
type QDiscName string

const (
	QDiscNameFIFO QDiscName = "fifo"
	QDiscNameRR   QDiscName = "rr"
)

// CLI holds every shadow command-line flag from §6.
type CLI struct {
	ScenarioPath string

	Workers  int
	Seed     int64
	LogLevel LogLevel

	HeartbeatInterval time.Duration
	HeartbeatLogLevel LogLevel

	TCPInitialWindow     int
	TCPInitialSSThresh   int
	TCPCongestionControl string

	BufferAutotune bool
	QDisc          QDiscName
	InterfaceBuffer int

	PrintVersion bool
	Valgrind     bool
	Debug        bool
}

// RegisterFlags binds every flag from §6 onto fs, matching the
// defaults a production deployment of this simulator ships with.
func RegisterFlags(fs *pflag.FlagSet, c *CLI) {
	fs.IntVar(&c.Workers, "workers", 1, "number of worker threads")
	fs.Int64Var(&c.Seed, "seed", 1, "random seed")
	fs.StringVar((*string)(&c.LogLevel), "log-level", string(LogLevelMessage), "log level (error|critical|warning|message|info|debug)")

	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-frequency", time.Second, "heartbeat interval")
	fs.StringVar((*string)(&c.HeartbeatLogLevel), "heartbeat-log-level", string(LogLevelInfo), "heartbeat log level")

	fs.IntVar(&c.TCPInitialWindow, "tcp-initial-window", 10, "TCP initial congestion window, in segments")
	fs.IntVar(&c.TCPInitialSSThresh, "tcp-initial-ssthresh", 64*1024, "TCP initial slow-start threshold, in bytes")
	fs.StringVar(&c.TCPCongestionControl, "tcp-congestion-control", "reno", "TCP congestion control algorithm name")

	fs.BoolVar(&c.BufferAutotune, "buffer-autotune", true, "buffer autotune switch; no code reads it, socket buffers are never autotuned")
	fs.StringVar((*string)(&c.QDisc), "qdisc", string(QDiscNameFIFO), "interface queuing discipline (fifo|rr)")
	fs.IntVar(&c.InterfaceBuffer, "interface-buffer", 1<<20, "default interface buffer size, in bytes")

	fs.BoolVar(&c.PrintVersion, "version", false, "print version and exit")
	fs.BoolVar(&c.Valgrind, "valgrind", false, "run under valgrind-compatible memory settings")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug-mode logging and assertions")
}
