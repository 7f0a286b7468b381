package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prasenjit/omock/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config.yaml populated with the default settings",
	Long: `Creates config.yaml with every setting at its default value.

Edit sync.peers (or sync.dnsName) and sync.sharedSecret to join a
cluster. If config.yaml already exists, it will not be overwritten
unless --force is used.`,
	RunE: runInit,
}

var (
	initForce bool
	initPath  string
)

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing config file")
	initCmd.Flags().StringVarP(&initPath, "path", "p", ".", "Directory to write config.yaml into")
}

func runInit(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(initPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", absPath, err)
	}

	configFile := filepath.Join(absPath, "config.yaml")
	if _, err := os.Stat(configFile); err == nil && !initForce {
		return fmt.Errorf("config.yaml already exists. Use --force to overwrite")
	}

	data, err := renderDefaultConfig()
	if err != nil {
		return err
	}
	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file: %s\n\n", configFile)
	fmt.Fprintln(out, "Start the server with:")
	fmt.Fprintf(out, "  omock serve --config %s\n", configFile)
	return nil
}

func renderDefaultConfig() ([]byte, error) {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to generate config: %w", err)
	}
	header := "# omock configuration\n# Every key can be overridden with OMOCK_<SECTION>_<KEY>, e.g. OMOCK_SYNC_SHAREDSECRET\n\n"
	return append([]byte(header), data...), nil
}
