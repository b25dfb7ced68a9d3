// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化，为 SecFlow 提供
// TracerProvider 与 MeterProvider，并通过 RunInstruments 将调度器事件
// 以 OTLP 指标导出。遥测禁用时使用 noop 实现，不连接外部服务。
package telemetry
