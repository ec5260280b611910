package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dusklight/duskd/internal/app"
	"github.com/dusklight/duskd/internal/config"
	"github.com/dusklight/duskd/internal/geoclue"
)

const desktopID = "duskd.desktop"

func main() {
	var (
		configPath string
		outputs    []string
		lowTemp    int
		highTemp   int
		latitude   float64
		longitude  float64
		sunrise    string
		sunset     string
		duration   time.Duration
		mode       string
		socket     string
		logLevel   string
		logJSON    bool
	)

	pflag.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	pflag.StringArrayVarP(&outputs, "output", "o", nil, "Name/description of outputs to target (can repeat, default all)")
	pflag.IntVarP(&lowTemp, "low", "t", 4000, "Low color temperature at night (K)")
	pflag.IntVarP(&highTemp, "high", "T", 6500, "High color temperature at day (K)")
	pflag.Float64VarP(&latitude, "lat", "l", 0, "Latitude in degrees")
	pflag.Float64VarP(&longitude, "lon", "L", 0, "Longitude in degrees")
	pflag.StringVarP(&sunrise, "sunrise", "S", "", "Fixed sunrise time HH:MM (disables solar computation)")
	pflag.StringVarP(&sunset, "sunset", "s", "", "Fixed sunset time HH:MM (disables solar computation)")
	pflag.DurationVarP(&duration, "duration", "d", 1800*time.Second, "Transition duration around sunrise/sunset")
	pflag.StringVar(&mode, "mode", "auto", "Startup mode (auto/day/night/sunset)")
	pflag.StringVar(&socket, "socket", "", "Control socket path (disabled when empty)")
	pflag.StringVar(&logLevel, "log-level", "", "Log level (debug/info/warn/error)")
	pflag.BoolVar(&logJSON, "log-json", false, "Log JSON to stderr instead of console output")
	pflag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("config", configPath).Msg("Failed to load configuration")
		}
		cfg = loaded
	}

	// Flags beat the config file, but only when actually given.
	flags := pflag.CommandLine
	if flags.Changed("output") {
		cfg.Outputs = outputs
	}
	if flags.Changed("low") {
		cfg.LowTemp = lowTemp
	}
	if flags.Changed("high") {
		cfg.HighTemp = highTemp
	}
	if flags.Changed("lat") {
		cfg.Latitude = &latitude
	}
	if flags.Changed("lon") {
		cfg.Longitude = &longitude
	}
	if flags.Changed("sunrise") {
		cfg.Sunrise = sunrise
	}
	if flags.Changed("sunset") {
		cfg.Sunset = sunset
	}
	if flags.Changed("duration") {
		cfg.Duration = config.Duration(duration)
	}
	if flags.Changed("mode") {
		cfg.Mode = mode
	}
	if flags.Changed("socket") {
		cfg.Socket = socket
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = logJSON
	}

	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx := app.SignalContext()

	// Without fixed times or explicit coordinates, ask GeoClue.
	if !cfg.FixedTimes() && !cfg.HasLocation() {
		lat, lon, err := geoclue.Locate(ctx, desktopID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve location via GeoClue; pass --lat/--lon or --sunrise/--sunset")
		}
		cfg.Latitude = &lat
		cfg.Longitude = &lon
	}

	application := app.New(cfg, cfg.Schedule())

	if err := application.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("duskd terminated")
	}
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
