// Package errors 定义 HumanLoop 统一的错误码、严重程度和可重试属性。
// 存储层、执行引擎与网关都通过错误码而不是字符串判断错误类别。
package errors
