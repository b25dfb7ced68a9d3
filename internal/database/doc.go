// Copyright (c) SecFlow Authors.
// Licensed under the MIT License.

/*
包 database 负责打开关系型数据库并管理 GORM 连接池，为
persistence.GormStore 提供底层连接。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、Stats、
    事务与带退避的事务重试。
  - PoolConfig：连接池参数与健康检查间隔。
  - StatsRecorder：健康检查后接收连接数指标，metrics.Collector 实现它。

# 驱动

Open 按 config.DatabaseConfig.Driver 选择方言：postgres、mysql、
sqlite（纯 Go，glebarez/sqlite）与 sqlite3（cgo，gorm.io/driver/sqlite）。
SQLite 连接池固定为单连接。
*/
package database
