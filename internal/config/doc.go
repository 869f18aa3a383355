// Package config 负责加载 humanloopd 的配置文件。
//
// 文件格式由扩展名决定：.json（默认）、.yaml/.yml、.toml。加载后依次执行
// applyDefaults 与 HUMANLOOP_* 环境变量覆盖，因此环境变量的优先级最高。
package config
