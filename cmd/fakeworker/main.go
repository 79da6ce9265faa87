package main

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/internal/common/app"
	"github.com/flotillaproject/flotilla/internal/common/health"
	"github.com/flotillaproject/flotilla/internal/fakeworker"
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
	v := common.LoadConfig(&config, "./config/fakeworker", userSpecifiedConfig)

	var spec fakeworker.FleetSpec
	if err := common.UnmarshalKey(v, "fleet", &spec); err != nil {
		log.Fatalf("Invalid fleet config: %s", err)
	}

	log.Infof("Starting embedded coordinator with %d simulated workers...", spec.Workers)

	healthChecks := health.NewMultiChecker()

	shutdownMetricServer := common.ServeMetricsFor(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	ctx := app.CreateContextWithShutdown()
	var fleet *sync.WaitGroup
	err := flotilla.ServeWith(ctx, &config, healthChecks, func(components *flotilla.Components) {
		fleet = fakeworker.StartFleet(ctx, spec, components)
	})
	if fleet != nil {
		fleet.Wait()
	}
	if err != nil {
		log.Errorf("Fake worker fleet failed: %s", err)
		os.Exit(1)
	}
}
