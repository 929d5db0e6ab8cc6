package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ferry/internal/config"
	"ferry/internal/model"
	"ferry/internal/rabbitmq"
)

// audittail follows the audit queue and logs every job lifecycle event
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.LoadConfig(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if !cfg.RabbitMQ.Enabled {
		log.Fatal().Msg("RabbitMQ is disabled in the configuration")
	}

	client, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RabbitMQ client")
	}
	defer client.Close()

	if err := client.SetupTopology(); err != nil {
		log.Fatal().Err(err).Msg("Failed to declare audit topology")
	}

	deliveries, err := client.Consume("ferry-audittail")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start consuming")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Str("queue", cfg.RabbitMQ.Queue).Msg("Waiting for audit events. Press CTRL+C to exit.")

	for {
		select {
		case <-sigChan:
			log.Info().Msg("Shutting down...")
			return
		case delivery, ok := <-deliveries:
			if !ok {
				log.Warn().Msg("Delivery channel closed")
				return
			}

			var ev model.AuditEvent
			if err := json.Unmarshal(delivery.Body, &ev); err != nil {
				log.Error().Err(err).Msg("Failed to unmarshal audit event")
				delivery.Nack(false, false)
				continue
			}

			log.Info().
				Str("type", ev.Type).
				Str("jobID", ev.JobID).
				Str("kind", string(ev.Kind)).
				Str("principal", ev.Principal).
				Str("detail", ev.Detail).
				Time("timestamp", ev.Timestamp).
				Msg("Audit event")

			delivery.Ack(false)
		}
	}
}
