package main

import "time"

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds the daemon connection flags
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
	Warm       bool
}

// CheckFlags holds flags for the check command
type CheckFlags struct {
	Wait time.Duration
}

// HandshakeFlags holds flags for the handshake commands
type HandshakeFlags struct {
	ConfigPath string
	Local      bool
	File       string
}
