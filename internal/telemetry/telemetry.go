// Package telemetry はOpenTelemetryのトレーサープロバイダーを初期化する。
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ServiceName はトレースのリソース属性に使うサービス名。
const ServiceName = "personachat"

// Options はトレーサー初期化のオプション。
type Options struct {
	// Stdout がtrueの場合、スパンをWriterへJSONで書き出す。
	// falseの場合はグローバルのnoopプロバイダーのままにする。
	Stdout bool
	// Writer はスパンの出力先。nilの場合は標準出力。
	Writer  io.Writer
	Version string
}

// ShutdownFunc はプロバイダーを停止し、未送信のスパンをフラッシュする。
type ShutdownFunc func(ctx context.Context) error

// Setup はトレーサープロバイダーを構築してグローバルに登録する。
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if !opts.Stdout {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
