package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter Prometheus 指标导出器
type Exporter struct {
	registry *prometheus.Registry

	// 聊天服务指标
	chatConnections  prometheus.Gauge
	chatAuthFailures prometheus.Counter

	// 邮箱命令指标
	mailCommands  *prometheus.CounterVec
	mailDelivered *prometheus.CounterVec
	mailRejected  *prometheus.CounterVec

	// SMTP 网关指标
	smtpConnections prometheus.Gauge
	smtpMessages    prometheus.Counter
	smtpErrors      prometheus.Counter

	// TLS 指标
	tlsHandshakes      prometheus.Counter
	tlsHandshakeErrors prometheus.Counter
	tlsCertExpiry      prometheus.Gauge
}

// NewExporter 创建指标导出器
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	exporter := &Exporter{
		registry: registry,

		chatConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamemail_chat_connections",
			Help: "当前聊天连接数",
		}),
		chatAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamemail_chat_auth_failures_total",
			Help: "聊天登录失败总数",
		}),

		mailCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamemail_mail_commands_total",
			Help: "邮箱命令总数",
		}, []string{"verb"}),
		mailDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamemail_mail_delivered_total",
			Help: "已投递邮件总数",
		}, []string{"source"}),
		mailRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamemail_mail_rejected_total",
			Help: "被拒绝的投递总数",
		}, []string{"reason"}),

		smtpConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamemail_smtp_connections",
			Help: "当前 SMTP 连接数",
		}),
		smtpMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamemail_smtp_messages_total",
			Help: "SMTP 消息总数",
		}),
		smtpErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamemail_smtp_errors_total",
			Help: "SMTP 错误总数",
		}),

		tlsHandshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamemail_tls_handshakes_total",
			Help: "TLS 握手总数",
		}),
		tlsHandshakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamemail_tls_handshake_errors_total",
			Help: "TLS 握手错误总数",
		}),
		tlsCertExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamemail_tls_cert_expiry_seconds",
			Help: "TLS 证书过期时间（秒）",
		}),
	}

	// 注册指标
	registry.MustRegister(
		exporter.chatConnections,
		exporter.chatAuthFailures,
		exporter.mailCommands,
		exporter.mailDelivered,
		exporter.mailRejected,
		exporter.smtpConnections,
		exporter.smtpMessages,
		exporter.smtpErrors,
		exporter.tlsHandshakes,
		exporter.tlsHandshakeErrors,
		exporter.tlsCertExpiry,
	)

	return exporter
}

// Registry 返回指标注册表
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler 返回 HTTP 处理器
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// IncChatConnections 增加聊天连接数
func (e *Exporter) IncChatConnections() {
	e.chatConnections.Inc()
}

// DecChatConnections 减少聊天连接数
func (e *Exporter) DecChatConnections() {
	e.chatConnections.Dec()
}

// IncChatAuthFailures 增加聊天登录失败数
func (e *Exporter) IncChatAuthFailures() {
	e.chatAuthFailures.Inc()
}

// IncMailCommand 按动词统计邮箱命令
func (e *Exporter) IncMailCommand(verb string) {
	e.mailCommands.WithLabelValues(verb).Inc()
}

// IncMailDelivered 按来源统计投递成功数（chat、smtp、api）
func (e *Exporter) IncMailDelivered(source string) {
	e.mailDelivered.WithLabelValues(source).Inc()
}

// IncMailRejected 按原因统计投递拒绝数
func (e *Exporter) IncMailRejected(reason string) {
	e.mailRejected.WithLabelValues(reason).Inc()
}

// IncSMTPConnections 增加 SMTP 连接数
func (e *Exporter) IncSMTPConnections() {
	e.smtpConnections.Inc()
}

// DecSMTPConnections 减少 SMTP 连接数
func (e *Exporter) DecSMTPConnections() {
	e.smtpConnections.Dec()
}

// IncSMTPMessages 增加 SMTP 消息数
func (e *Exporter) IncSMTPMessages() {
	e.smtpMessages.Inc()
}

// IncSMTPErrors 增加 SMTP 错误数
func (e *Exporter) IncSMTPErrors() {
	e.smtpErrors.Inc()
}

// IncTLSHandshakes 增加 TLS 握手数
func (e *Exporter) IncTLSHandshakes() {
	e.tlsHandshakes.Inc()
}

// IncTLSHandshakeErrors 增加 TLS 握手错误数
func (e *Exporter) IncTLSHandshakeErrors() {
	e.tlsHandshakeErrors.Inc()
}

// SetTLSCertExpiry 设置 TLS 证书过期时间
func (e *Exporter) SetTLSCertExpiry(expiry time.Time) {
	e.tlsCertExpiry.Set(float64(expiry.Unix()))
}
