package main

import "time"

// GlobalFlags are persistent across every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type RestartFlags struct {
	Name       string
	MaxRetries int
	RetryDelay time.Duration
}

type LogsFlags struct {
	Follow bool
}

type RouteFlags struct {
	TunnelID  string
	Overwrite bool
}

type PortFlags struct {
	Host      string
	Listening bool
}

type HistoryFlags struct {
	Limit int
}
