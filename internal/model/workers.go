package model

// Workers defines number of workers per stage
type Workers struct {
	Landing   int `json:"landing" koanf:"landing" validate:"gte=0"`
	Loading   int `json:"loading" koanf:"loading" validate:"gte=0"`
	Transform int `json:"transform" koanf:"transform" validate:"gte=0"`
}

// ConcurrencyConfig defines worker pools and job options
type ConcurrencyConfig struct {
	Workers    Workers `json:"workers" koanf:"workers"`
	JobTimeout string  `json:"jobTimeout" koanf:"job_timeout"` // e.g., "5m"
}
