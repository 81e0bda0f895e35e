package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type TriggerFlags struct {
	Addr    string
	Payload string
	Timeout time.Duration
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type SpawnFlags struct {
	APIUrl     string
	APITimeout time.Duration
}
