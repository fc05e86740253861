package main

import (
	"context"
	"time"

	"github.com/daniellavrushin/pktreplay/config"
	"github.com/daniellavrushin/pktreplay/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// InitOtelProvider installs the global meter provider exporting to the
// configured OTLP endpoint. The returned func flushes and stops it.
func InitOtelProvider(conf *config.OtelConfig) func() {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(conf.ServiceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		log.Errorf("Failed to init otel resource: %v", err)
	}

	metricExp, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(conf.Endpoint),
	)
	if err != nil {
		log.Errorf("Failed to create the OTLP metric exporter: %v", err)
		return func() {}
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				metricExp,
				sdkmetric.WithInterval(time.Duration(conf.IntervalSeconds)*time.Second),
			),
		),
	)
	otel.SetMeterProvider(meterProvider)
	log.Infof("Exporting metrics to %s every %ds", conf.Endpoint, conf.IntervalSeconds)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		// pushes the last export
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Failed to push last metric export: %v", err)
			otel.Handle(err)
		}
	}
}
