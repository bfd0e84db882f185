package config

import "os"

// IsLambdaEnvironment checks if running in Lambda
func IsLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

// ApplyLambdaDefaults adjusts a loaded config for the Lambda runtime:
// collections live on AWS unless configured otherwise, logs go to stdout
// as JSON for CloudWatch, and there is no terminal to color.
func ApplyLambdaDefaults(cfg *Config) {
	if cfg.Store.Backend == BackendMemory {
		cfg.Store.Backend = BackendAWS
	}
	if cfg.Store.AWS.Region == "" {
		cfg.Store.AWS.Region = os.Getenv("AWS_REGION")
	}
	cfg.Log.Format = "json"
	cfg.Log.File = ""
	cfg.Log.Color = false
}
