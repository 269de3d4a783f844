package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/einvoice/internal/messaging/kafka"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitList(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// initKafkaConsumer подписывает сервис на события commerce-платформы.
// Необработанные сообщения уходят в DLQ через producer.
func initKafkaConsumer(cfg Config, svc kafka.CommerceService, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	brokerList := splitList(cfg.KafkaBrokers)
	if len(brokerList) == 0 || !cfg.KafkaConsume {
		return nil, nil
	}

	consumerLogger := logger.WithField("component", "kafka-consumer")
	options := []kafka.ConsumerOption{kafka.WithConsumerLogger(consumerLogger)}
	if producer != nil {
		options = append(options, kafka.WithDLQ(producer, kafka.TopicDeadLetterQueue))
	}

	consumer, err := kafka.NewConsumer(
		brokerList,
		cfg.KafkaGroupID,
		[]string{kafka.TopicCommerceCustomers, kafka.TopicCommerceOrders},
		kafka.NewCommerceHandler(svc, logger.WithField("component", "commerce-handler")),
		options...,
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka consumer, commerce events are accepted over http only")
		return nil, err
	}
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// stopKafkaConsumer останавливает consumer если он не nil.
func stopKafkaConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}

func splitList(raw string) []string {
	var list []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
