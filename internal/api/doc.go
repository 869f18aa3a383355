// Package api 暴露人工任务网关：人工处理方通过它领取任务、续租并提交结果，
// 运维方通过它查看任务列表、统计与指标。
package api
