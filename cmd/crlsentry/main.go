package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bl4ck0w1/crlsentry/cmd/crlsentry/commands"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

var (
	version   = "1.0.0"
	commit    = "unknown"
	buildDate = "unknown"
)

var appLogger *utils.Logger

var rootCmd = &cobra.Command{
	Use:   "crlsentry",
	Short: "crlsentry - CRL and trusted service list monitor",
	Long: `crlsentry watches certificate revocation lists published by Russian accredited
certification authorities and the Ministry of Digital Development trusted service
list, and reports expiry, new versions and registry changes to Telegram.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return initLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appLogger != nil {
			_ = appLogger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.crlsentry/config.yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file with secrets, ignored when missing")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path, rotated")
	rootCmd.PersistentFlags().Bool("dry-run", false, "render notifications without sending them")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("env_file", rootCmd.PersistentFlags().Lookup("env-file"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("telegram.dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewCRLCommand())
	rootCmd.AddCommand(commands.NewTSLCommand())
	rootCmd.AddCommand(commands.NewWeeklyCommand())
	rootCmd.AddCommand(commands.NewStatsCommand())
	rootCmd.AddCommand(commands.NewConfigureCommand())
	rootCmd.AddCommand(commands.NewTokenCommand())
	rootCmd.AddCommand(commands.NewBackupCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(version, commit, buildDate))
	rootCmd.AddCommand(commands.NewCompletionCommand())

	rootCmd.SetVersionTemplate(fmt.Sprintf("crlsentry %s (commit %s, built %s)\n", version, commit, buildDate))
}

func initConfig() error {
	if envFile := viper.GetString("env_file"); envFile != "" && utils.FileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			logrus.Warnf("Failed reading %s: %v", envFile, err)
		}
	}

	if err := commands.SetDefaults(viper.GetViper(), models.DefaultConfig()); err != nil {
		return err
	}
	viper.SetEnvPrefix("CRLSENTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	// The bot credentials are commonly provided without the prefix.
	_ = viper.BindEnv("telegram.bot_token", "CRLSENTRY_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("telegram.chat_id", "CRLSENTRY_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID")

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.crlsentry")
		}
		viper.AddConfigPath("/etc/crlsentry/")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	} else {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
	return nil
}

func initLogging() error {
	settings := models.LogSettings{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
		File:   viper.GetString("log.file"),
	}
	logger, err := utils.NewLogger(utils.LogConfigFrom(settings), utils.ServiceName, version)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	appLogger = logger
	commands.SetLogger(logger.Logger)

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			logger.WithField("file", e.Name).Info("configuration changed")
			logger.UpdateLevel(viper.GetString("log.level"))
		})
		viper.WatchConfig()
	}
	return nil
}

func main() {
	startTime := time.Now()
	Execute()
	if appLogger != nil && appLogger.IsLevelEnabled(logrus.DebugLevel) {
		appLogger.Debugf("Execution completed in %v", time.Since(startTime))
	}
}
