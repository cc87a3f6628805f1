/*
Package main 提供 opsflow 运行时的可执行入口。

# 概述

cmd/opsflow 是 opsflow 编排运行时的可执行入口，提供运行时启动、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
OPSFLOW_ 前缀环境变量覆盖、结构化日志（zap）、OTLP 遥测以及
Prometheus 指标采集。

# 核心类型

  - Server         — 运行时装配器，构建注册表、总线、上下文存储、
    熔断器与编排器，并托管运维监听器
  - Middleware     — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动运行时）、migrate（数据库迁移）、version、health
  - 运维监听器：独立端口暴露 /metrics（Prometheus）与 /healthz
  - 观测循环：周期采集总线、存储、熔断器与连接池统计并输出健康日志
  - 配置热更新：监听 --config 文件变更，日志级别即时生效
  - 优雅关闭：信号监听 → 停止观测 → 关闭监听器 → 关闭总线/存储/连接池
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
