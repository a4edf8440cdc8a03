package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

func NewConfigureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Manage crlsentry configuration",
		Long:  `Initialize, inspect, validate and edit the YAML configuration file.`,
	}
	cmd.AddCommand(newConfigureInitCommand())
	cmd.AddCommand(newConfigureShowCommand())
	cmd.AddCommand(newConfigureValidateCommand())
	cmd.AddCommand(newConfigureSetCommand())
	return cmd
}

func newConfigureInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigureInit,
	}
	cmd.Flags().BoolP("force", "f", false, "overwrite an existing file without asking")
	return cmd
}

func newConfigureShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE:  runConfigureShow,
	}
}

func newConfigureValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := LoadConfig(viper.GetViper()); err != nil {
				return err
			}
			fmt.Println("Configuration is valid.")
			return nil
		},
	}
}

func newConfigureSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value in the config file",
		Long: `Set a configuration value in the config file in use.
Supports dotted keys (e.g. "crl.check_interval") and basic type parsing:
- booleans: true/false
- integers/floats: 10, 3.14
- durations (for keys containing interval|timeout|period|after|delay|wait): "30m", "10s"
- string lists: "a,b,c" -> ["a","b","c"]`,
		Args: cobra.ExactArgs(2),
		RunE: runConfigureSet,
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".crlsentry", "config.yaml"), nil
}

func runConfigureInit(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		path = strings.TrimSpace(args[0])
	}
	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	force, _ := cmd.Flags().GetBool("force")
	if utils.FileExists(path) && !force {
		ok, err := confirmOverwrite(path)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("Configuration initialization cancelled")
			return nil
		}
	}

	cfg := models.DefaultConfig()
	secret, err := utils.GenerateJWTSecret()
	if err != nil {
		return fmt.Errorf("generate API secret: %w", err)
	}
	cfg.Server.JWTSecret = secret
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	logger.Infof("Configuration initialized: %s", path)
	logger.Info("Set TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID in the environment or a .env file")
	return nil
}

func runConfigureShow(cmd *cobra.Command, args []string) error {
	cfg := &models.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	cfg.Telegram.BotToken = utils.MaskSensitiveData(cfg.Telegram.BotToken)
	cfg.Server.JWTSecret = utils.MaskSensitiveData(cfg.Server.JWTSecret)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("# %s\n", used)
	} else {
		fmt.Println("# defaults (no config file found)")
	}
	fmt.Print(string(out))
	return nil
}

func runConfigureSet(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	path := viper.ConfigFileUsed()
	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	tree := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read configuration: %w", err)
	}

	val := parseValueForKey(key, args[1])
	setNested(tree, strings.Split(key, "."), val)

	check := viper.New()
	if err := SetDefaults(check, models.DefaultConfig()); err != nil {
		return err
	}
	if err := check.MergeConfigMap(tree); err != nil {
		return fmt.Errorf("merge value: %w", err)
	}
	if _, err := LoadConfig(check); err != nil {
		return err
	}

	if err := writeYAMLFile(path, tree); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	logger.Infof("Set %s = %v in %s", key, val, path)
	return nil
}

func writeYAMLFile(path string, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func setNested(dst map[string]any, keys []string, val any) {
	if len(keys) == 0 {
		return
	}
	if len(keys) == 1 {
		dst[keys[0]] = val
		return
	}
	k := keys[0]
	child, ok := dst[k].(map[string]any)
	if !ok {
		child = map[string]any{}
	}
	setNested(child, keys[1:], val)
	dst[k] = child
}

func parseValueForKey(key, s string) any {
	trim := strings.TrimSpace(s)

	if strings.Contains(trim, ",") {
		parts := strings.Split(trim, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	if b, err := strconv.ParseBool(trim); err == nil {
		return b
	}
	if i, err := strconv.Atoi(trim); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trim, 64); err == nil {
		return f
	}
	if containsAny(strings.ToLower(key), []string{"interval", "timeout", "period", "after", "delay", "wait", "backoff"}) {
		if d, err := time.ParseDuration(trim); err == nil {
			return d.String()
		}
	}
	return trim
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func confirmOverwrite(path string) (bool, error) {
	fmt.Printf("Configuration file %s already exists. Overwrite? (y/N): ", path)
	resp, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	resp = strings.TrimSpace(resp)
	return resp == "y" || resp == "Y", nil
}
