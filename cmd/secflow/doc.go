// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 SecFlow 服务端与命令行入口。

# 概述

cmd/secflow 是 SecFlow 的可执行入口，提供 HTTP API 服务、离线编译与执行、
数据库迁移、健康检查和版本查询等子命令。配置来自 YAML 文件与
SECFLOW_ 前缀的环境变量，日志使用 zap，指标通过 Prometheus 暴露。

# 核心类型

  - Server：管理 API 与 Metrics 双端口、存储、遥测及优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - HTTPRecorder：Metrics 中间件依赖的指标接口

# 主要能力

  - 子命令：serve、compile（-format json|yaml）、run（-input JSON）、
    migrate（up/down/steps/goto/force/status/version/info）、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    RequestLogger、RateLimiter（基于 IP）、Auth（API Key 或 HS256 JWT）、
    MaxBodyBytes、Metrics（按路由模式打标签）
  - 存储后端：memory、redis、database（GORM，可选 AutoMigrate）
  - 优雅关闭：停止接收请求 → 取消运行中的工作流 → 关闭存储 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
