// Package tlsutil 集中维护 SecFlow 的 TLS 基线（TLS 1.2+，仅 AEAD 密码套件），
// 供 API 服务端、Redis 客户端与 CLI 健康探测共用。
package tlsutil
