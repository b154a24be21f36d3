package mailbox

import "time"

// Message 一封站内信（只读值）
type Message struct {
	sender    string
	body      string
	timestamp int64
}

// NewMessage 创建邮件
func NewMessage(sender, body string, timestamp int64) Message {
	return Message{
		sender:    sender,
		body:      body,
		timestamp: timestamp,
	}
}

// Sender 发件人显示名
func (m Message) Sender() string {
	return m.sender
}

// Body 邮件正文（单行）
func (m Message) Body() string {
	return m.body
}

// Timestamp 投递时间（Unix 秒）
func (m Message) Timestamp() int64 {
	return m.timestamp
}

// Time 投递时间
func (m Message) Time() time.Time {
	return time.Unix(m.timestamp, 0)
}
