package config

import "time"

func loadTestConfig(cfg *Config) {
	cfg.DatabaseFilePath = ":memory:"
	cfg.ServerHost = "127.0.0.1"
	cfg.ServerPort = 0
	cfg.UserToken = "test-token"
	cfg.WatchDirs = nil
	cfg.WatchDebounce = 50 * time.Millisecond
	cfg.WorkerPollInterval = 10 * time.Millisecond
	cfg.WorkerErrorBackoff = 10 * time.Millisecond
	cfg.FetchExternalMetadata = false
}
