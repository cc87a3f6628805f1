// Package config 提供 opsflow 运行时的配置管理。
//
// 支持从 YAML 文件和环境变量加载配置，
// 优先级为 默认值 → YAML 文件 → 环境变量。
// Watcher 以轮询方式监听配置文件变更，供 serve 子命令热更新日志级别。
package config
