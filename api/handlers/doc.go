// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 SecFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了工作流定义管理、编译、运行控制与健康检查端点。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 ServeMux 模式。

# 核心类型

  - WorkflowHandler：编译与存储定义、启动运行
  - RunHandler：查询与取消运行
  - HealthHandler：存活、就绪与版本端点
  - RunController：workflow.Runner 中 API 依赖的部分
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：捕获状态码与响应大小，供中间件使用

# 错误映射

FromError 将引擎与存储错误映射为 types.Error：编译错误为 422，
未知 ID 为 404，超出请求体上限为 413，其余错误统一为 500 且不泄露细节。
*/
package handlers
