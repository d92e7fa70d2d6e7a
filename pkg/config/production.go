package config

func loadProductionConfig(cfg *Config) {
	cfg.DatabaseFilePath = "/data/kobold.db"
	cfg.ServerHost = "0.0.0.0"
}
