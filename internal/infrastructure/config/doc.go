// Package config handles loading and validating console configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading a .env file for local development
//   - Overriding with CONSOLE_* environment variables
//   - Validation of required fields and role names
//
// Security Considerations:
//   - The backend anon key is public by design, but MQTT and InfluxDB
//     credentials are not; set them via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Backend.URL)
package config
