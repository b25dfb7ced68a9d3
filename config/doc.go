// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

// Package config 加载 SecFlow 的服务、引擎、存储与遥测配置。
//
// 配置按 默认值 → YAML 文件 → SECFLOW_* 环境变量 的顺序叠加，
// 最后运行注册的验证器。EngineConfig 可直接转换为
// workflow.ExecutorConfig 与 workflow.RetryPolicy。
package config
