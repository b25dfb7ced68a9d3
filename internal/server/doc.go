// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 SecFlow HTTP 监听的生命周期：非阻塞启动、可选 TLS、
优雅关闭与异步错误传播。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供 Start、
    Shutdown、Errors 与 Addr。
  - Config：监听地址、超时与 TLS 设置。APIConfig 与 MetricsConfig
    从 config.ServerConfig 派生 API 与 metrics 两个监听。

信号处理由调用方负责，cmd/secflow 使用 signal.NotifyContext。
*/
package server
