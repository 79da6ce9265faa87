package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/internal/common/app"
	"github.com/flotillaproject/flotilla/internal/common/health"
	"github.com/flotillaproject/flotilla/internal/flotilla"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.FlotillaConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/flotilla", userSpecifiedConfig)

	log.Info("Starting...")
	log.Infof("Config %+v", config)

	healthChecks := health.NewMultiChecker()

	shutdownMetricServer := common.ServeMetricsFor(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	ctx := app.CreateContextWithShutdown()
	if err := flotilla.Serve(ctx, &config, healthChecks); err != nil {
		log.Errorf("Flotilla coordinator failed: %s", err)
		os.Exit(1)
	}
}
