// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudstrate/cloudstrate/pkg/config"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	configShowFormat   string
	configSetFile      string
	configInitOutput   string
	configInitForce    bool
	configValidateFile string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// configShowCmd prints the effective configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Show current configuration.

Displays the effective configuration after file loading and environment
overrides. Passwords are redacted. Active CLOUDSTRATE_* overrides are
listed after the configuration.

Examples:
  cloudstrate config show
  cloudstrate config show --format table
  cloudstrate config show -f json`,
	Run: runConfigShow,
}

// configSetCmd updates a single value in the config file.
var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Updates one value in the configuration file using dot notation for
nested keys. The file is rewritten with the full configuration, so
omitted keys gain their defaults.

Examples:
  cloudstrate config set llm.provider ollama
  cloudstrate config set neo4j.uri bolt://remote:7687
  cloudstrate config set analyst.port 5002`,
	Args: cobra.ExactArgs(2),
	Run:  runConfigSet,
}

// configInitCmd writes a fresh default config file.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long: `Initialize a new configuration file.

Creates a cloudstrate-config.yaml with default values. Refuses to
overwrite an existing file unless --force is given.

Examples:
  cloudstrate config init
  cloudstrate config init --output /etc/cloudstrate/cloudstrate-config.yaml
  cloudstrate config init --force`,
	Run: runConfigInit,
}

// configValidateCmd checks a config file for schema and value problems.
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file.

Checks that the configuration parses, passes schema validation, and has
the values the configured backends need. Missing optional values are
reported as warnings; a file that fails validation exits 1.

Examples:
  cloudstrate config validate
  cloudstrate config validate --config-file ./cloudstrate-config.yaml`,
	Run: runConfigValidate,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	configShowCmd.Flags().StringVarP(&configShowFormat, "format", "f", "yaml",
		"Output format: yaml, json, or table")

	configSetCmd.Flags().StringVarP(&configSetFile, "config-file", "c", "",
		"Configuration file to modify (default: discovered config)")

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", config.ConfigFileName,
		"Output file for configuration")
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false,
		"Overwrite existing configuration")

	configValidateCmd.Flags().StringVarP(&configValidateFile, "config-file", "c", "",
		"Configuration file to validate (default: discovered config)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runConfigShow renders the effective configuration.
func runConfigShow(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()
	shown := redactedConfig()

	if out.JSON {
		data, err := configAsMap(shown)
		os.Exit(OutputResult(out, "config show", start, data, false, err))
	}

	switch configShowFormat {
	case "yaml":
		data, err := yaml.Marshal(shown)
		if err != nil {
			os.Exit(OutputResult(out, "config show", start, nil, false, err))
		}
		fmt.Print(string(data))
	case "json":
		m, err := configAsMap(shown)
		if err != nil {
			os.Exit(OutputResult(out, "config show", start, nil, false, err))
		}
		encoded, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			os.Exit(OutputResult(out, "config show", start, nil, false, err))
		}
		fmt.Println(string(encoded))
	case "table":
		data, err := yaml.Marshal(shown)
		if err != nil {
			os.Exit(OutputResult(out, "config show", start, nil, false, err))
		}
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			os.Exit(OutputResult(out, "config show", start, nil, false, err))
		}
		if len(doc.Content) > 0 {
			printConfigMapping(doc.Content[0], 0)
		}
	default:
		os.Exit(OutputResult(out, "config show", start, nil, false,
			fmt.Errorf("unknown format %q (want yaml, json, or table)", configShowFormat)))
	}

	if overrides := ActiveOverrides(); overrides.Len() > 0 && !out.Quiet {
		fmt.Println("\nEnvironment overrides:")
		for _, line := range overrides.RedactedSlice() {
			fmt.Printf("  %s\n", line)
		}
	}

	os.Exit(CLIExitSuccess)
}

// runConfigSet updates one key in the config file on disk.
func runConfigSet(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()
	key, value := args[0], args[1]

	path := configSetFile
	if path == "" {
		path = resolvedConfigPath()
	}

	// The file is loaded without environment overrides so env-derived
	// values (passwords especially) never get written back to disk.
	fileCfg, err := loadConfigFileRaw(path)
	if err != nil {
		os.Exit(OutputResult(out, "config set", start, nil, false, err))
	}

	if err := fileCfg.Set(key, value); err != nil {
		os.Exit(OutputResult(out, "config set", start, nil, false, err))
	}
	if err := config.Save(fileCfg, path); err != nil {
		os.Exit(OutputResult(out, "config set", start, nil, false, err))
	}

	if !out.JSON && !out.Quiet {
		fmt.Printf("Set %s = %s in %s\n", key, value, path)
	}

	os.Exit(OutputResult(out, "config set", start, map[string]string{
		"key":   key,
		"value": value,
		"file":  path,
	}, false, nil))
}

// runConfigInit writes a default configuration file.
func runConfigInit(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()
	path := configInitOutput

	if _, err := os.Stat(path); err == nil && !configInitForce {
		if !out.JSON {
			fmt.Fprintf(os.Stderr, "Configuration file already exists: %s\n", path)
			fmt.Println("Use --force to overwrite")
		}
		os.Exit(OutputResult(out, "config init", start, map[string]string{
			"file":   path,
			"status": "exists",
		}, true, nil))
	}

	if err := config.Save(config.Default(), path); err != nil {
		os.Exit(OutputResult(out, "config init", start, nil, false, err))
	}

	if !out.JSON && !out.Quiet {
		fmt.Printf("Configuration initialized: %s\n", path)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Edit the configuration file to set your values")
		fmt.Println("  2. Set neo4j.password (or export CLOUDSTRATE_NEO4J_PASSWORD)")
		fmt.Println("  3. Set scanner.aws.profile")
	}

	os.Exit(OutputResult(out, "config init", start, map[string]string{
		"file": path,
	}, false, nil))
}

// runConfigValidate checks the config file and reports problems.
func runConfigValidate(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	path := configValidateFile
	if path == "" {
		path = resolvedConfigPath()
	}

	if _, err := os.Stat(path); err != nil {
		os.Exit(OutputResult(out, "config validate", start, nil, false,
			fmt.Errorf("configuration file not found: %s", path)))
	}

	loaded, err := config.Load(path)
	if err == nil {
		var warnings []string
		warnings, err = loaded.Validate()
		if err == nil {
			if !out.JSON && !out.Quiet {
				fmt.Printf("Configuration file is valid: %s\n", path)
				if len(warnings) > 0 {
					fmt.Println("\nWarnings:")
					for _, w := range warnings {
						fmt.Printf("  - %s\n", w)
					}
				} else {
					fmt.Println("All required values are set.")
				}
			}
			os.Exit(OutputResult(out, "config validate", start, ConfigValidateResult{
				File:     path,
				Valid:    true,
				Warnings: warnings,
			}, false, nil))
		}
	}

	// Parse and schema failures are the findings this command exists to
	// surface, so they exit 1 rather than 2.
	if !out.JSON {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
	}
	os.Exit(OutputResult(out, "config validate", start, ConfigValidateResult{
		File:     path,
		Valid:    false,
		Warnings: []string{err.Error()},
	}, true, nil))
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// redactedConfig returns a copy of the effective config safe to print.
func redactedConfig() *config.Config {
	shown := *cfg
	if shown.Neo4j.Password != "" {
		shown.Neo4j.Password = "[REDACTED]"
	}
	return &shown
}

// configAsMap converts the config to a generic map through its YAML
// tags, so JSON output uses the same key names as the config file.
func configAsMap(c *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	return m, nil
}

// loadConfigFileRaw reads a config file without applying environment
// overrides. A missing file yields the defaults.
func loadConfigFileRaw(path string) (*config.Config, error) {
	fileCfg := config.Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileCfg, nil
		}
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, fileCfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return fileCfg, nil
}

// printConfigMapping walks a YAML mapping node and prints an indented
// key/value listing, preserving the config file's key order.
func printConfigMapping(node *yaml.Node, indent int) {
	pad := strings.Repeat("  ", indent)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch val.Kind {
		case yaml.MappingNode:
			fmt.Printf("%s%s:\n", pad, key.Value)
			printConfigMapping(val, indent+1)
		case yaml.SequenceNode:
			items := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				items = append(items, item.Value)
			}
			fmt.Printf("%s%s: [%s]\n", pad, key.Value, strings.Join(items, ", "))
		default:
			fmt.Printf("%s%s: %s\n", pad, key.Value, val.Value)
		}
	}
}
