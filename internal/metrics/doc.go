// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP 层、
工作流编译、DAG 调度、动作重试、熔断器与数据库连接池。

# 核心类型

  - Collector：通过 promauto.With 注册到调用方提供的 Registerer，
    测试可传入独立的 prometheus.NewRegistry()。

Collector 同时实现 workflow.MetricsRecorder、workflow.AttemptObserver、
workflow.CircuitBreakerEventHandler 与 dsl.CompileRecorder，可直接
作为选项注入编译器、执行器与熔断器注册表。

HTTP 指标的 path 标签应使用路由模式，避免高基数。
*/
package metrics
