// Copyright (c) GrantFlow Authors.
// Licensed under the MIT License.

/*
包 database 为 SQL 冷层存储提供基于 GORM 的连接管理。

# 概述

Open 根据 config.DatabaseConfig 选择方言（glebarez 纯 Go sqlite、
postgres、mysql），建立连接后交给 PoolManager 托管连接池参数、
后台健康检查与关闭。Stats 的快照经 SQL 冷层上报到 /healthz。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()，以及 WithTransaction/WithTransactionRetry。
  - PoolConfig：最大空闲/打开连接数、生命周期与健康检查间隔。

WithTransactionRetry 基于 go-retry，对死锁、序列化失败和 sqlite 忙错误做指数退避重试。
*/
package database
