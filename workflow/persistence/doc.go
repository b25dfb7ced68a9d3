// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
Package persistence 保存工作流定义与运行记录。

# 后端

  - MemoryStore：进程内存储，单节点部署与测试默认使用
  - RedisStore：JSON 文档 + 有序集合索引，运行记录带 TTL
  - GormStore：关系型存储（PostgreSQL / MySQL / SQLite），表结构由
    internal/migration 的内嵌迁移或 AutoMigrate(Models()...) 创建

所有后端都实现 Store，而 Store 嵌入 workflow.RunStore，可直接通过
workflow.WithRunStore 交给调度器，在每个步骤结束与运行结束时持久化。

# 数值约定

从 JSON 读回的载荷经 workflow.NormalizeValue 处理：整数值为 int64，
其余数字为 float64，与图定义的加载规则一致。
*/
package persistence
