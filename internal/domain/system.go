package domain

// SystemInfo describes the remote platform instance.
type SystemInfo struct {
	Version              string `json:"version"`
	Debug                bool   `json:"debug"`
	EnabledPlatformCount int    `json:"enabled_platform_count"`
	CloudServiceURL      string `json:"cloud_service_url,omitempty"`
}

// Bot is a configured bot as listed by the platform.
type Bot struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Adapter     string `json:"adapter"`
	Enable      bool   `json:"enable"`
	PipelineID  string `json:"use_pipeline_uuid,omitempty"`
}

// Pipeline is a configured message pipeline.
type Pipeline struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default"`
}

// UserInfo is returned by the token check endpoint.
type UserInfo struct {
	Email string `json:"user"`
}
