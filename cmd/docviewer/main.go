package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
	"github.com/MarcoPoloResearchLab/docviewer/internal/canvadocs"
	"github.com/MarcoPoloResearchLab/docviewer/internal/config"
	"github.com/MarcoPoloResearchLab/docviewer/internal/docviewer"
	"github.com/MarcoPoloResearchLab/docviewer/internal/logging"
	"github.com/MarcoPoloResearchLab/docviewer/internal/push"
	"github.com/MarcoPoloResearchLab/docviewer/internal/session"
)

var (
	cfgFile string
	follow  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docviewer",
		Short: "Load a document annotation session and inspect its annotations",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runViewer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("session-url", "", "Fully qualified session URL")
	cmd.PersistentFlags().String("fallback-url", "", "Static document URL used when the session path is unavailable")
	cmd.PersistentFlags().String("out", defaults.GetString("document.dir"), "Directory receiving the downloaded document")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&follow, "follow", false, "Stay connected and stream remote annotation changes")

	bindFlag(cmd, "session.url", "session-url")
	bindFlag(cmd, "fallback.url", "fallback-url")
	bindFlag(cmd, "document.dir", "out")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runViewer(ctx context.Context) error {
	appConfig, err := config.LoadViewer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var client *canvadocs.Client
	if appConfig.SessionURL != "" {
		client, err = canvadocs.NewClient(canvadocs.ClientConfig{
			SessionURL: appConfig.SessionURL,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
	}

	loaderConfig := session.LoaderConfig{
		FallbackURL: appConfig.FallbackURL,
		Directory:   appConfig.DocumentDir,
		Logger:      logger,
	}
	if client != nil {
		loaderConfig.Client = client
	}
	loader, err := session.NewLoader(loaderConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bundle := loader.Load(signalCtx)
	if bundle.Err != nil {
		logger.Warn("session loaded with errors", zap.Error(bundle.Err))
	}
	if bundle.LocalPDFPath == "" {
		return errors.New("no document could be loaded")
	}

	logger.Info("document ready",
		zap.String("path", bundle.LocalPDFPath),
		zap.Bool("fallback", bundle.UsedFallback),
		zap.Bool("annotations_enabled", bundle.Metadata.Annotations.Enabled),
		zap.String("permissions", string(bundle.Metadata.Annotations.Permissions)),
		zap.Int("annotations", len(bundle.Annotations)))

	if client == nil || !bundle.Metadata.Annotations.Enabled {
		return nil
	}

	engine, err := docviewer.NewEngine(docviewer.EngineConfig{
		Store:   client,
		Initial: bundle.Annotations,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	settings := bundle.Metadata.Annotations
	for _, record := range engine.Renderable() {
		fields := []zap.Field{
			zap.String("id", record.ID),
			zap.String("type", record.WireType()),
			zap.Uint("page", record.Page),
			zap.String("user", record.UserName),
			zap.Bool("editable", settings.CanEdit(record.UserID)),
		}
		if ink, ok := record.Kind.(annotation.Ink); ok {
			if width, ok := averageStrokeWidth(ink); ok {
				fields = append(fields, zap.Float64("stroke_intensity", annotation.IntensityFromWidth(width)))
			}
		}
		logger.Info("annotation", fields...)
	}

	if !follow || bundle.Metadata.Push == nil {
		return nil
	}

	go consumeEvents(signalCtx, engine, logger)

	listener, err := push.NewListener(push.ListenerConfig{
		Channel:  bundle.Metadata.Push,
		Applier:  engine,
		ClientID: client.ClientID(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	logger.Info("following remote annotation changes", zap.String("host", bundle.Metadata.Push.Host))
	if err := listener.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// averageStrokeWidth folds every pointwise stroke width of the drawing into
// one mean value; drawings whose points carry no widths report none.
func averageStrokeWidth(ink annotation.Ink) (float64, bool) {
	sum := 0.0
	count := 0
	for _, gesture := range ink.Gestures {
		for _, point := range gesture {
			if point.Width != nil {
				sum += *point.Width
				count++
			}
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func consumeEvents(ctx context.Context, engine *docviewer.Engine, logger *zap.Logger) {
	for {
		select {
		case event := <-engine.Events():
			switch typed := event.(type) {
			case docviewer.SaveStateEvent:
				logger.Info("save state changed", zap.Bool("saving", typed.Saving))
			case docviewer.SaveFailedEvent:
				logger.Warn("annotation save failed",
					zap.String("annotation_id", typed.AnnotationID),
					zap.Error(typed.Err))
			case docviewer.LimitExceededEvent:
				logger.Warn("annotation exceeds limits",
					zap.String("annotation_id", typed.Annotation.ID))
			}
		case <-ctx.Done():
			return
		}
	}
}
