// Package config loads engine configuration.
//
// Values start from Default, are overlaid by the YAML file named in
// PROCUREMENT_CONFIG_FILE when set, and finally by PROCUREMENT_* environment
// variables. LoadConfig validates the result.
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
