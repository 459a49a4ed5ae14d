package mq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "events"

	heartbeat    = 10 * time.Second
	dialAttempts = 5
	dialBackoff  = 2 * time.Second
)

// ConnectionName 在 RabbitMQ 管理界面中显示的连接名
var ConnectionName = "forecast-service"

// NewConnection 连接 RabbitMQ，启动时 broker 可能尚未就绪，按线性退避重试
func NewConnection(url string) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(ConnectionName)
	cfg := amqp091.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	}

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := amqp091.DialConfig(url, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialAttempts {
			time.Sleep(time.Duration(attempt) * dialBackoff)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialAttempts, lastErr)
}

// DeclareExchange 声明 topic 类型的 events 交换机（durable）
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}
