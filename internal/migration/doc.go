// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
Package migration 管理工作流存储的数据库 Schema，支持 PostgreSQL、MySQL
与 SQLite，基于 golang-migrate 实现。

各方言的 SQL 文件内嵌在 migrations/<dialect>/ 下，表结构与
workflow/persistence 的 GORM 模型一致：workflow_definitions、
workflow_runs、workflow_run_steps。SQLite 通过 modernc.org/sqlite 打开，
不依赖 cgo。

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force、Version、Status、Info
  - CLI：secflow migrate 子命令的终端输出
  - NewMigratorFromConfig：从 config.DatabaseConfig 构造迁移器
*/
package migration
