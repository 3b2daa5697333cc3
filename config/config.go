package config

// Version is stamped in at build time via -ldflags.
var Version = "unknown"
