package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/dashgo/internal/config"
	"github.com/jmylchreest/dashgo/pkg/bytesize"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing dashgo configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

This shows all available configuration options with their default values,
overridden by any config file found on the default search path and by any
DASHGO_ environment variables that are set. You can redirect this output to a file to create a configuration template:

  dashgo config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, .dashgo.yaml, /etc/dashgo/config.yaml)
  - Environment variables (DASHGO_PLAYBACK_BUFFER_DURATION, etc.)
  - Command-line flags (for some options)

Environment variables use the DASHGO_ prefix and underscores for nesting.
Example: playback.buffer_duration -> DASHGO_PLAYBACK_BUFFER_DURATION`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and byte sizes for
// human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		case int64:
			if strings.Contains(key, "size") || strings.Contains(key, "bytes") {
				result[key] = bytesize.Format(bytesize.Size(fv))
			} else {
				result[key] = fv
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# dashgo Configuration File")
	fmt.Println("# =========================")
	fmt.Println("#")
	fmt.Println("# Values shown below are defaults unless overridden by a config file or environment variable.")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   DASHGO_PLAYBACK_BUFFER_DURATION, DASHGO_PLAYBACK_SMOOTHING_FACTOR")
	fmt.Println("#   DASHGO_DOWNLOAD_MAX_CONNS_PER_ORIGIN, DASHGO_DOWNLOAD_CIRCUIT_BREAKER_THRESHOLD")
	fmt.Println("#   DASHGO_LOGGING_LEVEL, DASHGO_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println()
	fmt.Print(string(yamlData))

	return nil
}
