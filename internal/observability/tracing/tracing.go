package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	xerrors "agent-ide/internal/errors"
)

// DefaultServiceName 为未配置 service_name 时上报的服务名。
const DefaultServiceName = "agentd"

// Config 描述 OTLP 链路导出配置，Endpoint 为空表示关闭导出。
type Config struct {
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Enabled 判断是否需要导出链路数据。
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// Validate 校验协议与采样率。
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Protocol)) {
	case "", "grpc", "http":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported tracing protocol %q", c.Protocol))
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "tracing sample_ratio must be within [0, 1]")
	}
	return nil
}

// ShutdownFunc 刷新并关闭链路导出。
type ShutdownFunc func(context.Context) error

// Setup 按配置安装全局 TracerProvider。未启用时返回空操作的 ShutdownFunc，
// 此时 otel 默认的 noop provider 保持生效。
func Setup(ctx context.Context, cfg Config, version string) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled() {
		return noop, nil
	}
	if err := cfg.Validate(); err != nil {
		return noop, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建链路资源失败")
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return noop, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 OTLP 导出器失败")
	}

	ratio := cfg.SampleRatio
	if ratio == 0 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Protocol)) {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}
